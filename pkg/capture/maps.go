/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: maps.go
Description: /proc/PID/maps parsing for the capture diagnostic. When no scan window can be
copied, the first mapped segments of the target process are reported for troubleshooting.
*/

package capture

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is one line of /proc/PID/maps.
type Segment struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Inode  uint64
	Path   string
}

// Size is the mapped length in bytes.
func (s Segment) Size() uint64 {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start
}

// Readable reports whether the segment can be read.
func (s Segment) Readable() bool {
	return strings.HasPrefix(s.Perms, "r")
}

func (s Segment) String() string {
	return fmt.Sprintf("%x-%x %s %s", s.Start, s.End, s.Perms, s.Path)
}

// ParseMaps parses maps output, skipping malformed lines.
func ParseMaps(text string) []Segment {
	var segments []Segment
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		addrs := strings.Split(fields[0], "-")
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			continue
		}
		offset, _ := strconv.ParseUint(fields[2], 16, 64)
		inode, _ := strconv.ParseUint(fields[4], 10, 64)
		seg := Segment{Start: start, End: end, Perms: fields[1], Offset: offset, Inode: inode}
		if len(fields) > 5 {
			seg.Path = strings.Join(fields[5:], " ")
		}
		segments = append(segments, seg)
	}
	return segments
}
