package protocol

import "errors"

var (
	ErrBundleNotFound = errors.New("bundle not found")
	ErrSourceNotFound = errors.New("source not found")
	ErrAssetNotFound  = errors.New("asset not found")
)
