// Package bytesize parses and formats byte sizes and transfer rates.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Byte size units (binary).
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// Transfer rate units in bytes per second. Bit rates use SI prefixes.
const (
	Kbps int64 = 1000 / 8
	Mbps int64 = 1000 * 1000 / 8
	Gbps int64 = 1000 * 1000 * 1000 / 8
)

var valuePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z/]*)\s*$`)

// Parse converts a size string such as "1MB", "2.5 GB" or "4096" into
// bytes. A missing unit means bytes.
func Parse(s string) (int64, error) {
	value, unit, err := splitValue(s)
	if err != nil {
		return 0, err
	}

	var mult int64
	switch strings.ToUpper(unit) {
	case "", "B":
		mult = B
	case "K", "KB":
		mult = KB
	case "M", "MB":
		mult = MB
	case "G", "GB":
		mult = GB
	case "T", "TB":
		mult = TB
	default:
		return 0, fmt.Errorf("unknown size unit: %q", unit)
	}

	return int64(value * float64(mult)), nil
}

// MustParse is like Parse but panics on error. Intended for constants
// and tests.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders a byte count using the largest fitting unit.
func Format(bytes int64) string {
	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ParseRate converts a rate string into bytes per second. Bit rates
// ("10mbps") use SI units; byte rates ("10MB/s") use binary units.
func ParseRate(s string) (int64, error) {
	value, unit, err := splitValue(s)
	if err != nil {
		return 0, err
	}

	switch strings.ToLower(unit) {
	case "bps":
		return int64(value / 8), nil
	case "kbps":
		return int64(value * float64(Kbps)), nil
	case "mbps":
		return int64(value * float64(Mbps)), nil
	case "gbps":
		return int64(value * float64(Gbps)), nil
	case "b/s":
		return int64(value), nil
	case "kb/s":
		return int64(value * float64(KB)), nil
	case "mb/s":
		return int64(value * float64(MB)), nil
	case "gb/s":
		return int64(value * float64(GB)), nil
	default:
		return 0, fmt.Errorf("unknown rate unit: %q", unit)
	}
}

// FormatRate renders bytes per second as a bit rate.
func FormatRate(bytesPerSec int64) string {
	bits := bytesPerSec * 8
	switch {
	case bits >= 1000*1000*1000:
		return fmt.Sprintf("%.2f Gbps", float64(bits)/float64(1000*1000*1000))
	case bits >= 1000*1000:
		return fmt.Sprintf("%.2f Mbps", float64(bits)/float64(1000*1000))
	case bits >= 1000:
		return fmt.Sprintf("%.2f Kbps", float64(bits)/float64(1000))
	default:
		return fmt.Sprintf("%d bps", bits)
	}
}

func splitValue(s string) (float64, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", fmt.Errorf("empty value")
	}

	m := valuePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, "", fmt.Errorf("invalid format: %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid number: %q", m[1])
	}
	if value < 0 {
		return 0, "", fmt.Errorf("negative value: %v", value)
	}

	return value, m[2], nil
}

// Size is a byte count that unmarshals from YAML as either a bare
// number of bytes or a string with a unit ("70MB", "1GB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err == nil {
		n, err := Parse(str)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", str, err)
		}
		*s = Size(n)
		return nil
	}

	var n int64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}

	return fmt.Errorf("size must be a number or a string with a unit (e.g. 70MB)")
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

// String returns a human-readable representation.
func (s Size) String() string { return Format(int64(s)) }
