package storage

// Version identifies the content state of an object at the moment it was
// written or read. It wraps the service ETag and is only ever compared for
// equality; it has no ordering and is never parsed.
type Version struct {
	etag string
}

func NewVersion(etag string) Version {
	return Version{etag: etag}
}

func (v Version) String() string {
	return v.etag
}

func (v Version) IsZero() bool {
	return v.etag == ""
}

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.etag), nil
}

func (v *Version) UnmarshalText(text []byte) error {
	v.etag = string(text)
	return nil
}
