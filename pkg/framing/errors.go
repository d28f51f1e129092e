package framing

import (
	"errors"

	"github.com/brindlebox/rawproxy/pkg/constants"
)

var (
	errHeadTooLarge     = errors.New("message head exceeds maximum size")
	errBadContentLength = errors.New("invalid Content-Length")
	errBadChunkSize     = errors.New("invalid chunk size")
)

func maxHeadBytes() int { return constants.MaxHeadBytes }
