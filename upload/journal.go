package upload

// Layout describes how the recorded chunks of a file were planned and where
// they were sent. Records only apply to a file planned with an equal layout.
type Layout struct {
	Target      string `json:"target,omitempty"`
	ChunkSize   int64  `json:"chunkSize"`
	Force       bool   `json:"force,omitempty"`
	TotalChunks int    `json:"totalChunks"`
}

// Journal persists which chunks of a file the receiving side acknowledged.
// Sessions consult it at admission and skip the recorded chunks. Recorded
// chunks are only meaningful if the receiving side still has them, and if
// the file identifier is stable, see Config.GenerateIdentifier.
type Journal interface {
	// Uploaded returns the layout a file was recorded with and the indexes
	// of its recorded chunks.
	Uploaded(fileID string) (Layout, []int, error)
	// MarkUploaded records an acknowledged chunk. Records of the file made
	// with another layout are dropped.
	MarkUploaded(fileID string, layout Layout, index int) error
	// Forget drops the records of a file.
	Forget(fileID string) error
}
