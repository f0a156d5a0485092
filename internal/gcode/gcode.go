// Package gcode implements the line-oriented, single-pass G-code parser:
// tokenizing into Blocks, modal-group bookkeeping, bounding-box and
// time-estimate tracking, a pure safety scan, and a block-merging optimizer.
package gcode

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cncforge/grblhost/internal/types"
)

var wordRe = regexp.MustCompile(`([A-Za-z])(-?[0-9]*\.?[0-9]+)`)

// modalGroupOf maps each modal G-code to its modal group number (motion 1,
// plane 3, units 6, distance 7, arc mode 8, feed mode 13).
var modalGroupOf = map[float64]int{
	0: 1, 1: 1, 2: 1, 3: 1, 38.2: 1, 38.3: 1, 38.4: 1, 38.5: 1,
	17: 3, 18: 3, 19: 3,
	20: 6, 21: 6,
	90: 7, 91: 7,
	90.1: 8, 91.1: 8,
	93: 13, 94: 13,
}

// Parser tokenizes and analyzes G-code programs.
type Parser struct{}

// New constructs a Parser. The parser holds no state between calls.
func New() *Parser { return &Parser{} }

// Parse runs a full single-pass parse over source, returning a ParseResult
// with blocks, diagnostics, the motion bounding box and an estimated runtime.
func (p *Parser) Parse(source string) types.ParseResult {
	lines := strings.Split(source, "\n")
	var blocks []types.Block
	var errs, warnings []string

	cursor := types.Position{}
	bbox := types.BoundingBox{}
	bboxInit := false
	estimate := 0.0
	feed := 0.0
	incremental := false
	usesInches := false
	sawSpindle := false
	sawToolChange := false

	lineNo := 0
	for _, raw := range lines {
		lineNo++
		stripped := stripComment(raw)
		if strings.TrimSpace(stripped) == "" {
			continue
		}
		block := tokenize(lineNo, raw, stripped)
		validateBlock(&block)
		if !block.Valid {
			errs = append(errs, fmt.Sprintf("line %d: %s", lineNo, block.ValidationMsg))
		}

		if block.ModalGroups[7] == "G91" {
			incremental = true
		} else if block.ModalGroups[7] == "G90" {
			incremental = false
		}
		if block.ModalGroups[6] == "G20" {
			usesInches = true
		}
		if block.SpindleSpeed != nil {
			sawSpindle = true
		}
		if block.MCode != nil && *block.MCode == 6 {
			sawToolChange = true
		}

		if block.FeedRate != nil {
			feed = *block.FeedRate
		}

		if block.GCode != nil {
			g := *block.GCode
			if g == 0 || g == 1 {
				next := applyCoordinates(cursor, block.Coordinates, incremental)
				dist := distance(cursor, next)
				if feed > 0 {
					estimate += dist / feed * 60
				}
				cursor = next
				bbox, bboxInit = extendBBox(bbox, bboxInit, cursor)
			} else if g == 2 || g == 3 {
				r, hasR := block.Parameters['R']
				i, hasI := block.Parameters['I']
				j, hasJ := block.Parameters['J']
				radius := r
				if !hasR {
					if hasI || hasJ {
						radius = math.Hypot(i, j)
					}
				}
				quarterCircle := 2 * math.Pi * radius / 4
				if feed > 0 {
					estimate += quarterCircle / feed * 60
				}
				next := applyCoordinates(cursor, block.Coordinates, incremental)
				cursor = next
				bbox, bboxInit = extendBBox(bbox, bboxInit, cursor)
			}
		}
		if block.MCode != nil {
			switch *block.MCode {
			case 3, 4:
				estimate += 2
			case 5:
				estimate += 1
			case 6:
				estimate += 10
			}
		}
		estimate += 0.05

		blocks = append(blocks, block)
	}

	if usesInches {
		warnings = append(warnings, "program uses inches (G20)")
	}
	if incremental {
		warnings = append(warnings, "program ends in incremental mode (G91)")
	}
	if !sawSpindle {
		warnings = append(warnings, "no spindle command found")
	}
	if sawToolChange {
		warnings = append(warnings, "tool change present (M6)")
	}

	return types.ParseResult{
		Blocks:           blocks,
		Errors:           errs,
		Warnings:         warnings,
		BoundingBox:      bbox,
		EstimatedSeconds: estimate,
	}
}

func stripComment(raw string) string {
	s := raw
	if i := strings.Index(s, ";"); i != -1 {
		s = s[:i]
	}
	for {
		start := strings.Index(s, "(")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], ")")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+1:]
	}
	return s
}

func tokenize(lineNo int, raw, stripped string) types.Block {
	block := types.Block{
		LineNumber:  lineNo,
		Raw:         strings.TrimRight(raw, "\r\n"),
		ModalGroups: make(map[int]string),
		Parameters:  make(map[byte]float64),
	}

	for _, m := range wordRe.FindAllStringSubmatch(stripped, -1) {
		letter := strings.ToUpper(m[1])
		val, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		switch letter {
		case "G":
			g := val
			block.GCode = &g
			if grp, ok := modalGroupOf[g]; ok {
				block.ModalGroups[grp] = fmt.Sprintf("G%v", trimFloat(g))
			}
		case "M":
			m := val
			block.MCode = &m
		case "X":
			v := val
			block.Coordinates.X = &v
		case "Y":
			v := val
			block.Coordinates.Y = &v
		case "Z":
			v := val
			block.Coordinates.Z = &v
		case "A":
			v := val
			block.Coordinates.A = &v
		case "B":
			v := val
			block.Coordinates.B = &v
		case "C":
			v := val
			block.Coordinates.C = &v
		case "F":
			v := val
			block.FeedRate = &v
		case "S":
			v := val
			block.SpindleSpeed = &v
		case "T":
			n := int(val)
			block.ToolNumber = &n
		case "I", "J", "K", "P", "Q", "R":
			block.Parameters[letter[0]] = val
		}
	}
	block.Valid = true
	return block
}

func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	return s
}

func hasAnyCoordinate(c types.Coordinates) bool {
	return c.X != nil || c.Y != nil || c.Z != nil
}

func validateBlock(b *types.Block) {
	if b.GCode == nil {
		return
	}
	g := *b.GCode
	switch g {
	case 0, 1:
		if !hasAnyCoordinate(b.Coordinates) {
			b.Valid = false
			b.ValidationMsg = "G0/G1 requires at least one coordinate"
			return
		}
		if g == 1 {
			if b.FeedRate != nil && *b.FeedRate == 0 {
				b.Valid = false
				b.ValidationMsg = "feed rate of 0 on G1"
				return
			}
		}
	case 2, 3:
		if !hasAnyCoordinate(b.Coordinates) {
			b.Valid = false
			b.ValidationMsg = "G2/G3 requires endpoint coordinates"
			return
		}
		_, hasI := b.Parameters['I']
		_, hasJ := b.Parameters['J']
		_, hasR := b.Parameters['R']
		if !hasI && !hasJ && !hasR {
			b.Valid = false
			b.ValidationMsg = "G2/G3 requires I, J or R"
			return
		}
	case 38.2:
		if b.Coordinates.Z == nil || b.FeedRate == nil {
			b.Valid = false
			b.ValidationMsg = "G38.2 requires Z and F"
			return
		}
	}
}

func applyCoordinates(cur types.Position, c types.Coordinates, incremental bool) types.Position {
	next := cur
	if c.X != nil {
		if incremental {
			next.X += *c.X
		} else {
			next.X = *c.X
		}
	}
	if c.Y != nil {
		if incremental {
			next.Y += *c.Y
		} else {
			next.Y = *c.Y
		}
	}
	if c.Z != nil {
		if incremental {
			next.Z += *c.Z
		} else {
			next.Z = *c.Z
		}
	}
	return next
}

func distance(a, b types.Position) float64 {
	return math.Sqrt((b.X-a.X)*(b.X-a.X) + (b.Y-a.Y)*(b.Y-a.Y) + (b.Z-a.Z)*(b.Z-a.Z))
}

func extendBBox(bbox types.BoundingBox, init bool, p types.Position) (types.BoundingBox, bool) {
	if !init {
		return types.BoundingBox{Min: p, Max: p}, true
	}
	if p.X < bbox.Min.X {
		bbox.Min.X = p.X
	}
	if p.Y < bbox.Min.Y {
		bbox.Min.Y = p.Y
	}
	if p.Z < bbox.Min.Z {
		bbox.Min.Z = p.Z
	}
	if p.X > bbox.Max.X {
		bbox.Max.X = p.X
	}
	if p.Y > bbox.Max.Y {
		bbox.Max.Y = p.Y
	}
	if p.Z > bbox.Max.Z {
		bbox.Max.Z = p.Z
	}
	return bbox, true
}

// CheckSafety scans blocks against limits, returning issues (blocking) and
// warnings, without mutating blocks.
func CheckSafety(blocks []types.Block, soft types.SoftLimits, speed types.SpeedLimits) []types.SafetyIssue {
	var issues []types.SafetyIssue
	for _, b := range blocks {
		if b.FeedRate != nil && *b.FeedRate > speed.MaxFeedRate {
			issues = append(issues, types.SafetyIssue{LineNumber: b.LineNumber, Message: "feed exceeds limit", Warning: false})
		}
		if b.SpindleSpeed != nil && *b.SpindleSpeed > 24000 {
			issues = append(issues, types.SafetyIssue{LineNumber: b.LineNumber, Message: "spindle speed exceeds limit", Warning: false})
		}
		if b.Coordinates.X != nil && !soft.X.Contains(*b.Coordinates.X) {
			issues = append(issues, types.SafetyIssue{LineNumber: b.LineNumber, Message: "travel limit exceeded on X", Warning: false})
		}
		if b.Coordinates.Y != nil && !soft.Y.Contains(*b.Coordinates.Y) {
			issues = append(issues, types.SafetyIssue{LineNumber: b.LineNumber, Message: "travel limit exceeded on Y", Warning: false})
		}
		if b.Coordinates.Z != nil && !soft.Z.Contains(*b.Coordinates.Z) {
			issues = append(issues, types.SafetyIssue{LineNumber: b.LineNumber, Message: "travel limit exceeded on Z", Warning: false})
		}
		if b.GCode != nil && *b.GCode == 0 && b.Coordinates.Z != nil && *b.Coordinates.Z < 0 {
			issues = append(issues, types.SafetyIssue{LineNumber: b.LineNumber, Message: "rapid descent below zero", Warning: true})
		}
		if b.MCode != nil && (*b.MCode == 3 || *b.MCode == 4) {
			issues = append(issues, types.SafetyIssue{LineNumber: b.LineNumber, Message: "spindle on", Warning: true})
		}
	}
	return issues
}

// Optimize coalesces consecutive G0/G1 blocks that share feed rate, spindle
// speed and modal groups, merging coordinate overrides in order. It never
// mutates the input slice.
func Optimize(blocks []types.Block) []types.Block {
	if len(blocks) == 0 {
		return blocks
	}
	out := make([]types.Block, 0, len(blocks))
	out = append(out, blocks[0])

	for i := 1; i < len(blocks); i++ {
		prev := &out[len(out)-1]
		cur := blocks[i]
		if mergeable(*prev, cur) {
			merged := *prev
			if cur.Coordinates.X != nil {
				merged.Coordinates.X = cur.Coordinates.X
			}
			if cur.Coordinates.Y != nil {
				merged.Coordinates.Y = cur.Coordinates.Y
			}
			if cur.Coordinates.Z != nil {
				merged.Coordinates.Z = cur.Coordinates.Z
			}
			merged.Raw = prev.Raw + " " + cur.Raw
			out[len(out)-1] = merged
			continue
		}
		out = append(out, cur)
	}
	return out
}

func mergeable(a, b types.Block) bool {
	if a.GCode == nil || b.GCode == nil {
		return false
	}
	ag, bg := *a.GCode, *b.GCode
	if (ag != 0 && ag != 1) || (bg != 0 && bg != 1) {
		return false
	}
	if ag != bg {
		return false
	}
	af := feedOf(a)
	bf := feedOf(b)
	if af != bf {
		return false
	}
	as := spindleOf(a)
	bs := spindleOf(b)
	if as != bs {
		return false
	}
	if len(a.ModalGroups) != len(b.ModalGroups) {
		return false
	}
	for grp, word := range a.ModalGroups {
		if b.ModalGroups[grp] != word {
			return false
		}
	}
	return true
}

func feedOf(b types.Block) float64 {
	if b.FeedRate == nil {
		return -1
	}
	return *b.FeedRate
}

func spindleOf(b types.Block) float64 {
	if b.SpindleSpeed == nil {
		return -1
	}
	return *b.SpindleSpeed
}
