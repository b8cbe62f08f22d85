package tail

// TailState is the read position over one monitored file. Offset is the
// byte position the next poll resumes from and only ever grows, except
// when rotation resets it to zero. Partial holds the trailing unterminated
// fragment of the previous read so a line split across polls is emitted
// exactly once, whole.
type TailState struct {
	Path    string `json:"path"`
	Offset  int64  `json:"offset"`
	Partial string `json:"partial,omitempty"`
}
