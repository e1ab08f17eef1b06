package cryptobox

import "errors"

var (
	ErrInvalidSignature = errors.New("cryptobox: signature too short to seed a key pair")
	ErrInvalidKey       = errors.New("cryptobox: malformed key material")
)
