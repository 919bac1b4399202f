package usecase

import "errors"

// ErrSourceUnknown is returned for administrative actions that name a data
// source no pipeline owns.
var ErrSourceUnknown = errors.New("unknown data source")
