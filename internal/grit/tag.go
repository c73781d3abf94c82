package grit

import (
	"github.com/pkg/errors"
)

// Tag is a parsed annotated tag object.
type Tag struct {
	Object ID
	Type   ObjectKind
	Name   string
	// Tagger may be zero: tags from early Git history carry no tagger line.
	Tagger  Identity
	Extra   []ExtraHeader
	Message string
}

// DecodeTag parses a tag payload.
func DecodeTag(data []byte) (*Tag, error) {
	hdrs, msg, err := splitHeaders(data)
	if err != nil {
		return nil, errors.Wrap(err, "tag")
	}

	t := &Tag{Message: msg}
	i := 0
	if i >= len(hdrs) || hdrs[i].Key != "object" {
		return nil, errors.New("tag: missing object header")
	}
	if t.Object, err = ParseID(hdrs[i].Value); err != nil {
		return nil, errors.Wrap(err, "tag: object")
	}
	i++

	if i >= len(hdrs) || hdrs[i].Key != "type" {
		return nil, errors.New("tag: missing type header")
	}
	if t.Type, err = ParseKind(hdrs[i].Value); err != nil {
		return nil, errors.Wrap(err, "tag: type")
	}
	i++

	if i >= len(hdrs) || hdrs[i].Key != "tag" {
		return nil, errors.New("tag: missing tag header")
	}
	t.Name = hdrs[i].Value
	i++

	if i < len(hdrs) && hdrs[i].Key == "tagger" {
		if t.Tagger, err = ParseIdentity([]byte(hdrs[i].Value)); err != nil {
			return nil, errors.Wrap(err, "tag: tagger")
		}
		i++
	}

	t.Extra = append(t.Extra, hdrs[i:]...)
	return t, nil
}

func (t *Tag) Kind() ObjectKind { return KindTag }

// Encode returns the canonical tag payload.
func (t *Tag) Encode() []byte {
	var dst []byte
	dst = appendHeader(dst, "object", t.Object.String())
	dst = appendHeader(dst, "type", t.Type.String())
	dst = appendHeader(dst, "tag", t.Name)
	if !t.Tagger.IsZero() {
		dst = appendHeader(dst, "tagger", t.Tagger.String())
	}
	for _, h := range t.Extra {
		dst = appendHeader(dst, h.Key, h.Value)
	}
	dst = append(dst, '\n')
	dst = append(dst, t.Message...)
	return dst
}

func (t *Tag) ID() ID { return ComputeID(KindTag, t.Encode()) }
