package domain

// FileInfo is the descriptor attached to a file message. The wrapped content
// key fields are transport-encoded because the descriptor is persisted inside
// the row's file_info column. Downloaded transitions false to true exactly
// once; after that the blob is gone from the relay and any further download
// must fail with ErrFileUnavailable.
type FileInfo struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	MIMEType     string `json:"type"`
	WrappedKey   string `json:"encrypted_key"`
	KeyNonce     string `json:"key_nonce"`
	KeyEphemeral string `json:"key_ephemeral_public_key"`
	FileNonce    string `json:"file_nonce"`
	Downloaded   bool   `json:"downloaded"`
}
