package logger

import (
	"github.com/op/go-logging"
)

// ProgressLogger logs how far a minio upload to the staging bucket has
// got. minio-go reads from PutObjectOptions.Progress once per chunk it
// sends, passing a slice as long as the chunk.
type ProgressLogger struct {
	logger      *logging.Logger
	prefix      string
	fileSize    int64
	sent        int64
	chunkNumber int
	lastPrinted float64
}

const _10MB = int64(10485760)
const _100MB = int64(104857600)
const _1GB = int64(1073741824)

// NewProgressLogger returns a ProgressLogger for an upload of fileSize
// bytes. Every line it logs begins with prefix.
func NewProgressLogger(logger *logging.Logger, prefix string, fileSize int64) *ProgressLogger {
	return &ProgressLogger{
		logger:      logger,
		prefix:      prefix,
		fileSize:    fileSize,
		chunkNumber: 1,
	}
}

// Read records len(p) more bytes sent. It never fails.
func (p *ProgressLogger) Read(b []byte) (int, error) {
	p.sent += int64(len(b))
	if p.fileSize > 0 {
		pctComplete := float64(p.sent) / float64(p.fileSize) * 100
		if p.shouldPrint(pctComplete) {
			p.logger.Infof("%s: chunk %d, %d of %d bytes, %3.2f%% complete",
				p.prefix, p.chunkNumber, p.sent, p.fileSize, pctComplete)
			p.lastPrinted = pctComplete
		}
	}
	p.chunkNumber++
	return len(b), nil
}

// Sent returns the number of bytes reported so far.
func (p *ProgressLogger) Sent() int64 {
	return p.sent
}

// shouldPrint keeps small uploads out of the log entirely and limits
// large ones to a handful of lines.
func (p *ProgressLogger) shouldPrint(pctComplete float64) bool {
	diff := pctComplete - p.lastPrinted
	switch {
	case p.fileSize > _1GB:
		return diff >= 5.0
	case p.fileSize > _100MB:
		return diff >= 20.0
	case p.fileSize > _10MB:
		return diff >= 50.0
	}
	return false
}
