package compositor

import "errors"

// ErrSourceNotFound reports activation of an unregistered source id.
var ErrSourceNotFound = errors.New("source not registered")
