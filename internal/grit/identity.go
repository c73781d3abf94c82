package grit

import (
	"bytes"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Identity is an author, committer, or tagger line: name, email, and a
// timestamp whose zone is significant.
type Identity struct {
	Name  string
	Email string
	When  time.Time
}

// ParseIdentity parses "Name <email> unix-seconds zone".
func ParseIdentity(line []byte) (Identity, error) {
	// Work backwards: the name may contain spaces and angle brackets are
	// the only reliable landmark.
	zoneStart := bytes.LastIndexByte(line, ' ')
	if zoneStart == -1 {
		return Identity{}, errors.New("identity: missing timezone")
	}
	secsStart := bytes.LastIndexByte(line[:zoneStart], ' ')
	if secsStart == -1 {
		return Identity{}, errors.New("identity: missing timestamp")
	}

	zone := string(line[zoneStart+1:])
	secs, err := strconv.ParseInt(string(line[secsStart+1:zoneStart]), 10, 64)
	if err != nil {
		return Identity{}, errors.Wrap(err, "identity: timestamp")
	}
	offset, err := parseZoneOffset(zone)
	if err != nil {
		return Identity{}, err
	}

	emailEnd := secsStart - 1
	if emailEnd < 0 || line[emailEnd] != '>' {
		return Identity{}, errors.New("identity: malformed email")
	}
	emailStart := bytes.IndexByte(line, '<')
	if emailStart == -1 || emailStart > emailEnd {
		return Identity{}, errors.New("identity: malformed email")
	}

	name := string(bytes.TrimRight(line[:emailStart], " "))
	// Name the fixed zone after the raw offset string so encoding
	// reproduces the input byte for byte, including "-0000".
	when := time.Unix(secs, 0).In(time.FixedZone(zone, offset))

	return Identity{
		Name:  name,
		Email: string(line[emailStart+1 : emailEnd]),
		When:  when,
	}, nil
}

func parseZoneOffset(zone string) (int, error) {
	if len(zone) != 5 || (zone[0] != '+' && zone[0] != '-') {
		return 0, errors.Errorf("identity: malformed timezone %q", zone)
	}
	hours, err := strconv.Atoi(zone[1:3])
	if err != nil {
		return 0, errors.Errorf("identity: malformed timezone %q", zone)
	}
	mins, err := strconv.Atoi(zone[3:5])
	if err != nil {
		return 0, errors.Errorf("identity: malformed timezone %q", zone)
	}
	offset := hours*3600 + mins*60
	if zone[0] == '-' {
		offset = -offset
	}
	return offset, nil
}

func (id Identity) appendTo(dst []byte) []byte {
	dst = append(dst, id.Name...)
	dst = append(dst, " <"...)
	dst = append(dst, id.Email...)
	dst = append(dst, "> "...)
	dst = strconv.AppendInt(dst, id.When.Unix(), 10)
	dst = append(dst, ' ')
	if name, _ := id.When.Zone(); len(name) == 5 && (name[0] == '+' || name[0] == '-') {
		dst = append(dst, name...)
	} else {
		dst = append(dst, id.When.Format("-0700")...)
	}
	return dst
}

// String formats the identity the way a commit header carries it.
func (id Identity) String() string {
	return string(id.appendTo(nil))
}

// IsZero returns true for the zero identity.
func (id Identity) IsZero() bool {
	return id.Name == "" && id.Email == "" && id.When.IsZero()
}
