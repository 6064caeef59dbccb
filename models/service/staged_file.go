package service

// StagedFile is a raw asset supplied by an admin and held in the
// staging bucket until the product's first sale uploads it to a
// storage provider.
type StagedFile struct {
	ProductID string
	FileName  string
	MimeType  string
	Size      int64
	Content   []byte
}
