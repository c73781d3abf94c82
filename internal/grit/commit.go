package grit

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// ExtraHeader is an object header the engine does not interpret, kept
// verbatim so re-encoding reproduces the input exactly. Multi-line values
// (signatures, mergetags) are stored with their continuation prefix
// stripped and rejoined on encode.
type ExtraHeader struct {
	Key   string
	Value string
}

// Commit is a parsed commit object.
type Commit struct {
	Tree      ID
	Parents   []ID
	Author    Identity
	Committer Identity
	Encoding  string
	Extra     []ExtraHeader
	Message   string
}

// DecodeCommit parses a commit payload.
func DecodeCommit(data []byte) (*Commit, error) {
	hdrs, msg, err := splitHeaders(data)
	if err != nil {
		return nil, errors.Wrap(err, "commit")
	}

	c := &Commit{Message: msg}
	i := 0
	if i >= len(hdrs) || hdrs[i].Key != "tree" {
		return nil, errors.New("commit: missing tree header")
	}
	if c.Tree, err = ParseID(hdrs[i].Value); err != nil {
		return nil, errors.Wrap(err, "commit: tree")
	}
	i++

	for i < len(hdrs) && hdrs[i].Key == "parent" {
		p, err := ParseID(hdrs[i].Value)
		if err != nil {
			return nil, errors.Wrap(err, "commit: parent")
		}
		c.Parents = append(c.Parents, p)
		i++
	}

	if i >= len(hdrs) || hdrs[i].Key != "author" {
		return nil, errors.New("commit: missing author header")
	}
	if c.Author, err = ParseIdentity([]byte(hdrs[i].Value)); err != nil {
		return nil, errors.Wrap(err, "commit: author")
	}
	i++

	if i >= len(hdrs) || hdrs[i].Key != "committer" {
		return nil, errors.New("commit: missing committer header")
	}
	if c.Committer, err = ParseIdentity([]byte(hdrs[i].Value)); err != nil {
		return nil, errors.Wrap(err, "commit: committer")
	}
	i++

	if i < len(hdrs) && hdrs[i].Key == "encoding" {
		c.Encoding = hdrs[i].Value
		i++
	}

	c.Extra = append(c.Extra, hdrs[i:]...)
	return c, nil
}

func (c *Commit) Kind() ObjectKind { return KindCommit }

// Encode returns the canonical commit payload.
func (c *Commit) Encode() []byte {
	var dst []byte
	dst = appendHeader(dst, "tree", c.Tree.String())
	for _, p := range c.Parents {
		dst = appendHeader(dst, "parent", p.String())
	}
	dst = appendHeader(dst, "author", c.Author.String())
	dst = appendHeader(dst, "committer", c.Committer.String())
	if c.Encoding != "" {
		dst = appendHeader(dst, "encoding", c.Encoding)
	}
	for _, h := range c.Extra {
		dst = appendHeader(dst, h.Key, h.Value)
	}
	dst = append(dst, '\n')
	dst = append(dst, c.Message...)
	return dst
}

func (c *Commit) ID() ID { return ComputeID(KindCommit, c.Encode()) }

// Summary returns the first line of the message.
func (c *Commit) Summary() string {
	if i := strings.IndexByte(c.Message, '\n'); i != -1 {
		return c.Message[:i]
	}
	return c.Message
}

// splitHeaders cuts an object payload into its header block and message.
// A line starting with a space continues the previous header's value.
func splitHeaders(data []byte) ([]ExtraHeader, string, error) {
	var hdrs []ExtraHeader
	for {
		if len(data) == 0 {
			return nil, "", errors.New("missing blank line before message")
		}
		if data[0] == '\n' {
			return hdrs, string(data[1:]), nil
		}

		eol := bytes.IndexByte(data, '\n')
		if eol == -1 {
			return nil, "", errors.New("truncated header line")
		}
		line := data[:eol]
		data = data[eol+1:]

		if line[0] == ' ' {
			if len(hdrs) == 0 {
				return nil, "", errors.New("continuation line without header")
			}
			last := &hdrs[len(hdrs)-1]
			last.Value += "\n" + string(line[1:])
			continue
		}

		sp := bytes.IndexByte(line, ' ')
		if sp == -1 {
			return nil, "", errors.Errorf("malformed header line %q", line)
		}
		hdrs = append(hdrs, ExtraHeader{
			Key:   string(line[:sp]),
			Value: string(line[sp+1:]),
		})
	}
}

func appendHeader(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, ' ')
	for i, line := range strings.Split(value, "\n") {
		if i > 0 {
			dst = append(dst, '\n', ' ')
		}
		dst = append(dst, line...)
	}
	dst = append(dst, '\n')
	return dst
}
