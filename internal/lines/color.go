package lines

import "fmt"

// hashString is a 32-bit string hash (h*31 + c with overflow), kept stable
// so colors never change between runs.
func hashString(s string) uint32 {
	var h int32
	for _, c := range s {
		h = h<<5 - h + int32(c)
	}
	if h < 0 {
		h = -h
	}
	return uint32(h)
}

// ColorFromID maps an identifier to a deterministic display color: hash mod
// 360 picks the hue at fixed saturation/lightness. No palette table needed;
// distinct ids spread over the wheel.
func ColorFromID(id string) string {
	return fmt.Sprintf("hsl(%d, 70%%, 45%%)", hashString(id)%360)
}
