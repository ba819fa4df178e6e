package streams

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

const maxUint64 = ^uint64(0)

// ID is a stream entry id, e.g. "1526919030474-55": milliseconds since the
// epoch, then a sequence number within that millisecond.
type ID struct {
	Ms  uint64
	Seq uint64
}

var (
	MinID = ID{0, 0}
	MaxID = ID{maxUint64, maxUint64}
)

var errInvalidID = errors.New("invalid stream entry id")

// ParseID parses a stream entry id. Ids always denote base 10.
//
//   - "-" is the lowest possible id, and "+" the highest.
//   - "5" is shorthand for "5-0".
//   - "-1" is valid and identical to "0-1", idem for "1-".
func ParseID(s string) (ID, error) {
	switch s {
	case "-":
		return MinID, nil
	case "+":
		return MaxID, nil
	case "":
		return ID{}, errInvalidID
	}

	msPart, seqPart, _ := strings.Cut(s, "-")
	ms, err := parseDecimal(msPart)
	if err != nil {
		return ID{}, err
	}
	seq, err := parseDecimal(seqPart)
	if err != nil {
		return ID{}, err
	}
	return ID{ms, seq}, nil
}

// On each iteration we "apply the base (10)" to the previous value, and add the
// new digit. An empty string is 0.
func parseDecimal(s string) (uint64, error) {
	const maxUint64base = maxUint64 / 10

	var total uint64
	for _, char := range s {
		if char < '0' || char > '9' {
			return 0, errInvalidID
		}
		if total > maxUint64base {
			return 0, errors.New("integer overflow")
		}
		base := total * 10
		total = base + uint64(char-'0')
		if total < base {
			return 0, errors.New("integer overflow")
		}
	}
	return total, nil
}

func (id ID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0 or 1 when id sorts before, equal to, or after other.
func (id ID) Compare(other ID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

func (id ID) Less(other ID) bool { return id.Compare(other) < 0 }

// CompareIDs orders two textual ids. Ids that do not parse compare equal to
// everything, so a stable sort leaves them where they were.
func CompareIDs(a, b string) int {
	x, err := ParseID(a)
	if err != nil {
		return 0
	}
	y, err := ParseID(b)
	if err != nil {
		return 0
	}
	return x.Compare(y)
}

func (id ID) IsMin() bool { return id == MinID }

func (id ID) IsMax() bool { return id == MaxID }

// Time is the wall-clock instant encoded in the id's millisecond part.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id.Ms)).UTC()
}
