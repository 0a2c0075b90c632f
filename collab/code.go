package collab

import (
	"math/rand"
	"strings"

	"github.com/matrix-org/util"
)

// SessionCodeLength is the number of characters in a shareable session code.
const SessionCodeLength = 6

// Palette is the set of presence colours handed out to participants.
var Palette = []string{
	"#E57373", "#64B5F6", "#81C784", "#FFB74D", "#BA68C8",
	"#4DB6AC", "#F06292", "#A1887F", "#7986CB", "#FFD54F",
}

// NewSessionCode returns a random upper-case join code.
func NewSessionCode() string {
	return strings.ToUpper(util.RandomString(SessionCodeLength))
}

// NormalizeCode makes codes comparable: they are case-insensitive and often pasted with spaces.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// PickColor chooses a presence colour at random.
func PickColor() string {
	return Palette[rand.Intn(len(Palette))]
}
