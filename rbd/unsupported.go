// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

// Image management the backends do not provide. Everything here answers
// without talking to the backend.

const (
	versionMajor = 1
	versionMinor = 17
	versionExtra = 0
)

// SnapInfo describes a snapshot. No snapshot is ever reported.
type SnapInfo struct {
	Id   uint64
	Size uint64
	Name string
}

// EncryptionFormat selects the on-disk encryption format.
type EncryptionFormat int

const (
	EncryptionFormatLUKS1 EncryptionFormat = iota
	EncryptionFormatLUKS2
)

// EncryptionAlgorithm selects the cipher of an encryption format.
type EncryptionAlgorithm int

const (
	EncryptionAlgorithmAES128 EncryptionAlgorithm = iota
	EncryptionAlgorithmAES256
)

// EncryptionOptions are the format specific encryption parameters.
type EncryptionOptions struct {
	Alg        EncryptionAlgorithm
	Passphrase []byte
}

// Version returns the librbd API version this package mirrors.
func Version() (major, minor, extra int) {
	return versionMajor, versionMinor, versionExtra
}

// Create always succeeds. The backend allocates space on first write and the
// size is decided by the backend configuration. The returned order is the
// object size order.
func Create(name string, size uint64) (order int, err error) {
	return Order, nil
}

// Remove always succeeds.
func Remove(name string) error {
	return nil
}

// Resize is not supported. The image size never changes.
func (img *Image) Resize(size uint64) error {
	return ErrNotSupported
}

func (img *Image) SnapList() ([]SnapInfo, error) {
	return nil, ErrNotSupported
}

func (img *Image) SnapCreate(name string) error {
	return ErrNotSupported
}

func (img *Image) SnapRemove(name string) error {
	return ErrNotSupported
}

func (img *Image) SnapRollback(name string) error {
	return ErrNotSupported
}

func (img *Image) EncryptionFormat(format EncryptionFormat, opts EncryptionOptions) error {
	return ErrNotSupported
}

func (img *Image) EncryptionLoad(format EncryptionFormat, opts EncryptionOptions) error {
	return ErrNotSupported
}
