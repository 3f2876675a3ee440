package bling

import "errors"

// ErrUnauthorized means the access token was rejected; callers should
// refresh the token and retry once
var ErrUnauthorized = errors.New("bling: access token rejected")
