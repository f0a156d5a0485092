package controller

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cncforge/grblhost/internal/types"
)

var motionRe = regexp.MustCompile(`^(G0|G1|G2|G3)\b`)
var jogRe = regexp.MustCompile(`^\$J=`)
var axisWordRe = regexp.MustCompile(`([XYZ])(-?[0-9]*\.?[0-9]+)`)

// extractMotionCoords pulls any X/Y/Z words from a motion or jog line. The
// two booleans report which kind of line it was, if either.
func extractMotionCoords(line string) (types.Coordinates, bool, bool) {
	trimmed := strings.TrimSpace(line)
	isMotion := motionRe.MatchString(trimmed)
	isJog := jogRe.MatchString(trimmed)
	if !isMotion && !isJog {
		return types.Coordinates{}, false, false
	}
	var coords types.Coordinates
	for _, m := range axisWordRe.FindAllStringSubmatch(trimmed, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		val := v
		switch m[1] {
		case "X":
			coords.X = &val
		case "Y":
			coords.Y = &val
		case "Z":
			coords.Z = &val
		}
	}
	return coords, isMotion, isJog
}

// isModalSwitch reports whether line contains word (e.g. "G90", "G91") as a
// standalone modal word.
func isModalSwitch(line, word string) bool {
	for _, field := range strings.Fields(line) {
		if field == word {
			return true
		}
	}
	return false
}
