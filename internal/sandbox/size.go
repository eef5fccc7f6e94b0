package sandbox

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a file size in bytes.
type ByteSize int64

const (
	KB ByteSize = 1 << (10 * (iota + 1))
	MB
	GB
)

var units = []struct {
	suffix string
	size   ByteSize
}{
	{"GB", GB},
	{"MB", MB},
	{"KB", KB},
	{"B", 1},
}

// ParseByteSize parses sizes like "512", "64KB" or "1.5MB". Units are
// case-insensitive and binary.
func ParseByteSize(s string) (ByteSize, error) {
	in := strings.ToUpper(strings.TrimSpace(s))
	mult := ByteSize(1)
	for _, u := range units {
		if strings.HasSuffix(in, u.suffix) {
			in = strings.TrimSpace(strings.TrimSuffix(in, u.suffix))
			mult = u.size
			break
		}
	}
	n, err := strconv.ParseFloat(in, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return ByteSize(n * float64(mult)), nil
}

func (b ByteSize) String() string {
	for _, u := range units[:len(units)-1] {
		if b >= u.size {
			return strconv.FormatFloat(float64(b)/float64(u.size), 'f', 1, 64) + u.suffix
		}
	}
	return strconv.FormatInt(int64(b), 10) + "B"
}
