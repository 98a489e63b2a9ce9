package agent

import (
	"regexp"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
)

// DefaultScrollStep is the wheel amount used for "scroll up" and "scroll down".
const DefaultScrollStep = 500

var (
	bracketDirective = regexp.MustCompile(`(?is)\[\[\s*ACTION:\s*(.*?)\s*\]\]`)
	bareDirective    = regexp.MustCompile(`(?i)\bACTION:[ \t]*([^\n\r]+)`)
)

var verbAliases = map[string]schemas.ActionVerb{
	"click": schemas.VerbClick, "left_click": schemas.VerbClick, "tap": schemas.VerbClick, "clic": schemas.VerbClick,
	"doubleclick": schemas.VerbDoubleClick, "double_click": schemas.VerbDoubleClick, "double-click": schemas.VerbDoubleClick, "dblclick": schemas.VerbDoubleClick,
	"move": schemas.VerbMove, "hover": schemas.VerbMove, "mouse_move": schemas.VerbMove, "moveto": schemas.VerbMove,
	"drag": schemas.VerbDrag, "drag_and_drop": schemas.VerbDrag,
	"type": schemas.VerbType, "write": schemas.VerbType, "input": schemas.VerbType, "escribir": schemas.VerbType,
	"key": schemas.VerbKey, "press": schemas.VerbKey, "keypress": schemas.VerbKey,
	"hotkey": schemas.VerbHotkey, "shortcut": schemas.VerbHotkey,
	"scroll": schemas.VerbScroll,
	"wait":   schemas.VerbWait, "sleep": schemas.VerbWait, "esperar": schemas.VerbWait,
}

// keyAliases maps localized key names onto the device vocabulary.
var keyAliases = map[string]string{
	"arriba":    "up",
	"abajo":     "down",
	"izquierda": "left",
	"derecha":   "right",
	"intro":     "enter",
	"return":    "enter",
	"espacio":   "space",
	"escape":    "esc",
	"tab":       "tab",
	"retroceso": "backspace",
	"suprimir":  "delete",
	"inicio":    "home",
	"fin":       "end",
}

// NormalizeKey lower-cases a key name and applies the alias table.
func NormalizeKey(name string) string {
	k := strings.ToLower(strings.TrimSpace(trimQuotes(name)))
	if alias, ok := keyAliases[k]; ok {
		return alias
	}
	return k
}

func lookupVerb(s string) (schemas.ActionVerb, bool) {
	v, ok := verbAliases[strings.ToLower(strings.TrimSpace(s))]
	return v, ok
}

func parseUnitTag(s string) (schemas.CoordinateUnit, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "px", "pixel", "pixels", "abs", "absolute":
		return schemas.UnitPixel, true
	case "norm", "normalized", "fraction", "relative", "rel":
		return schemas.UnitNormalized, true
	case "permille", "‰", "1000", "norm1000":
		return schemas.UnitPermille, true
	}
	return "", false
}

// coord is a parsed coordinate literal. frac records whether the literal was
// written as a decimal, which the unit heuristic needs.
type coord struct {
	v    float64
	frac bool
}

// resolveUnit applies the unit rule: an explicit tag wins; otherwise
// decimals no larger than 1.0 are fractions of the region, values up to 1000
// are on the permille scale, and anything larger is a pixel.
func resolveUnit(explicit schemas.CoordinateUnit, coords []coord) (schemas.CoordinateUnit, bool) {
	if explicit != "" {
		return explicit, true
	}
	maxV, anyFrac := 0.0, false
	for _, c := range coords {
		if c.v > maxV {
			maxV = c.v
		}
		anyFrac = anyFrac || c.frac
	}
	switch {
	case maxV <= 1.0 && anyFrac:
		return schemas.UnitNormalized, false
	case maxV <= 1000:
		return schemas.UnitPermille, false
	default:
		return schemas.UnitPixel, false
	}
}

// Decoder turns raw model text into device commands. Directive tokens and
// one embedded structured block are both recognised and their commands are
// concatenated in that order. It never fails: unrecognised text decodes to
// no commands.
type Decoder struct {
	logger     *zap.Logger
	scrollStep int
}

// NewDecoder creates a decoder. scrollStep is the amount used for
// directional scrolls; non-positive values select DefaultScrollStep.
func NewDecoder(logger *zap.Logger, scrollStep int) *Decoder {
	if scrollStep <= 0 {
		scrollStep = DefaultScrollStep
	}
	return &Decoder{logger: logger.Named("decoder"), scrollStep: scrollStep}
}

// Decode extracts every command from text.
func (d *Decoder) Decode(text string) []schemas.ActionCommand {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	cmds := d.decodeDirectives(text)
	cmds = append(cmds, d.decodeStructured(text)...)
	if len(cmds) > 0 {
		d.logger.Debug("Decoded actions.", zap.Int("count", len(cmds)))
	}
	return cmds
}

// -- Pass 1: directive tokens --

func (d *Decoder) decodeDirectives(text string) []schemas.ActionCommand {
	var cmds []schemas.ActionCommand
	for _, m := range bracketDirective.FindAllStringSubmatch(text, -1) {
		if cmd, ok := d.parseDirective(m[1]); ok {
			cmds = append(cmds, cmd)
		}
	}
	rest := bracketDirective.ReplaceAllString(text, " ")
	for _, m := range bareDirective.FindAllStringSubmatch(rest, -1) {
		if cmd, ok := d.parseDirective(m[1]); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

func (d *Decoder) parseDirective(args string) (schemas.ActionCommand, bool) {
	args = strings.TrimSpace(args)
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return schemas.ActionCommand{}, false
	}
	verb, ok := lookupVerb(strings.Trim(fields[0], ":,"))
	if !ok {
		d.logger.Debug("Unknown directive verb.", zap.String("verb", fields[0]))
		return schemas.ActionCommand{}, false
	}
	rest := strings.TrimSpace(args[len(fields[0]):])
	cmd := schemas.ActionCommand{Verb: verb}

	switch verb {
	case schemas.VerbType:
		cmd.Text = trimQuotes(rest)
		return cmd, cmd.Text != ""
	case schemas.VerbKey:
		cmd.Keys = []string{NormalizeKey(rest)}
		return cmd, cmd.Keys[0] != ""
	case schemas.VerbHotkey:
		cmd.Keys = splitKeys(rest)
		return cmd, len(cmd.Keys) > 0
	case schemas.VerbScroll:
		amount, ok := d.scrollAmount(firstField(rest))
		cmd.Amount = amount
		return cmd, ok
	case schemas.VerbWait:
		if f := firstField(rest); f != "" {
			secs, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToLower(f), "s"), 64)
			if err != nil || secs < 0 {
				return cmd, false
			}
			cmd.Seconds = secs
		}
		return cmd, true
	}

	coords, explicit := scanCoords(rest)
	need := 2
	if verb == schemas.VerbDrag {
		need = 4
	}
	if len(coords) < need {
		return cmd, false
	}
	coords = coords[:need]
	cmd.Unit, cmd.Explicit = resolveUnit(explicit, coords)
	cmd.X, cmd.Y = coords[0].v, coords[1].v
	if verb == schemas.VerbDrag {
		cmd.X2, cmd.Y2 = coords[2].v, coords[3].v
	}
	return cmd, true
}

// scanCoords reads numeric literals and an optional unit tag, either as its
// own token or as a suffix on a number.
func scanCoords(s string) ([]coord, schemas.CoordinateUnit) {
	s = strings.NewReplacer(",", " ", "(", " ", ")", " ", ";", " ", "[", " ", "]", " ").Replace(s)
	var coords []coord
	var unit schemas.CoordinateUnit
	for _, tok := range strings.Fields(s) {
		tok = strings.ToLower(tok)
		if u, ok := parseUnitTag(tok); ok && !isNumeric(tok) {
			unit = u
			continue
		}
		if i := strings.IndexByte(tok, '='); i >= 0 {
			tok = tok[i+1:]
		}
		num := tok
		for _, suffix := range []string{"permille", "norm", "px"} {
			if strings.HasSuffix(tok, suffix) {
				num = strings.TrimSuffix(tok, suffix)
				unit, _ = parseUnitTag(suffix)
				break
			}
		}
		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			continue
		}
		coords = append(coords, coord{v: v, frac: strings.ContainsAny(num, ".eE")})
	}
	return coords, unit
}

func (d *Decoder) scrollAmount(tok string) (int, bool) {
	switch strings.ToLower(tok) {
	case "up", "arriba":
		return d.scrollStep, true
	case "down", "abajo":
		return -d.scrollStep, true
	case "":
		return 0, false
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return int(v), true
}

// -- Pass 2: embedded structured block --

// decodeStructured returns the commands of the first block that yields any.
// Blocks that parse but carry no actions, such as a perception report or a
// plain number list, do not hide a later action block.
func (d *Decoder) decodeStructured(text string) []schemas.ActionCommand {
	for _, block := range candidateBlocks(text) {
		v, ok := parseJSON(block)
		if !ok {
			continue
		}
		if cmds := d.fromValue(v); len(cmds) > 0 {
			return cmds
		}
	}
	return nil
}

// candidateBlocks returns balanced {} / [] spans, outermost first, in the
// order they appear. Delimiters inside JSON strings are ignored.
func candidateBlocks(text string) []string {
	var blocks []string
	for start := 0; start < len(text); start++ {
		c := text[start]
		if c != '{' && c != '[' {
			continue
		}
		if end := matchBalanced(text, start); end > start {
			blocks = append(blocks, text[start:end+1])
		}
	}
	return blocks
}

func matchBalanced(text string, start int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

func parseJSON(block string) (interface{}, bool) {
	dec := json.NewDecoder(strings.NewReader(block))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func (d *Decoder) fromValue(v interface{}) []schemas.ActionCommand {
	var objects []map[string]interface{}
	switch t := v.(type) {
	case []interface{}:
		objects = objectsOf(t)
	case map[string]interface{}:
		if list, ok := t["actions"].([]interface{}); ok {
			objects = objectsOf(list)
		} else if sub, ok := t["action"].(map[string]interface{}); ok {
			objects = []map[string]interface{}{sub}
		} else {
			objects = []map[string]interface{}{t}
		}
	}

	var cmds []schemas.ActionCommand
	for _, obj := range objects {
		if cmd, ok := d.fromObject(obj); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

func objectsOf(list []interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func (d *Decoder) fromObject(m map[string]interface{}) (schemas.ActionCommand, bool) {
	verb, ok := lookupVerb(stringField(m, "action", "type", "verb", "command"))
	if !ok {
		return schemas.ActionCommand{}, false
	}
	cmd := schemas.ActionCommand{Verb: verb}

	switch verb {
	case schemas.VerbType:
		cmd.Text = stringField(m, "text", "value", "content")
		return cmd, cmd.Text != ""
	case schemas.VerbKey, schemas.VerbHotkey:
		cmd.Keys = keysField(m)
		if verb == schemas.VerbKey && len(cmd.Keys) > 1 {
			cmd.Keys = cmd.Keys[:1]
		}
		return cmd, len(cmd.Keys) > 0
	case schemas.VerbScroll:
		if c, ok := numberField(m, "amount", "value", "delta"); ok && c.v != 0 {
			cmd.Amount = int(c.v)
			return cmd, true
		}
		cmd.Amount, ok = d.scrollAmount(stringField(m, "direction", "amount", "value"))
		return cmd, ok
	case schemas.VerbWait:
		if c, ok := numberField(m, "seconds", "duration", "value", "amount"); ok {
			if c.v < 0 {
				return cmd, false
			}
			cmd.Seconds = c.v
		}
		return cmd, true
	}

	var explicit schemas.CoordinateUnit
	if s := stringField(m, "unit", "units"); s != "" {
		explicit, _ = parseUnitTag(s)
	}
	x, okX := numberField(m, "x", "x1")
	y, okY := numberField(m, "y", "y1")
	if !okX || !okY {
		pair, ok := pairField(m, "coordinates", "point", "position")
		if !ok {
			return cmd, false
		}
		x, y = pair[0], pair[1]
	}
	coords := []coord{x, y}
	if verb == schemas.VerbDrag {
		x2, ok2 := numberField(m, "x2", "to_x", "end_x")
		y2, ok3 := numberField(m, "y2", "to_y", "end_y")
		if !ok2 || !ok3 {
			return cmd, false
		}
		coords = append(coords, x2, y2)
		cmd.X2, cmd.Y2 = x2.v, y2.v
	}
	cmd.X, cmd.Y = x.v, y.v
	cmd.Unit, cmd.Explicit = resolveUnit(explicit, coords)
	return cmd, true
}

// -- JSON field helpers --

type jsonNumber interface {
	String() string
	Float64() (float64, error)
}

func toCoord(v interface{}) (coord, bool) {
	switch n := v.(type) {
	case jsonNumber:
		f, err := n.Float64()
		if err != nil {
			return coord{}, false
		}
		return coord{v: f, frac: strings.ContainsAny(n.String(), ".eE")}, true
	case float64:
		return coord{v: n, frac: n != float64(int64(n))}, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return coord{}, false
		}
		return coord{v: f, frac: strings.ContainsAny(n, ".eE")}, true
	}
	return coord{}, false
}

func numberField(m map[string]interface{}, keys ...string) (coord, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if c, ok := toCoord(v); ok {
				return c, true
			}
		}
	}
	return coord{}, false
}

func pairField(m map[string]interface{}, keys ...string) ([2]coord, bool) {
	for _, k := range keys {
		list, ok := m[k].([]interface{})
		if !ok || len(list) < 2 {
			continue
		}
		x, okX := toCoord(list[0])
		y, okY := toCoord(list[1])
		if okX && okY {
			return [2]coord{x, y}, true
		}
	}
	return [2]coord{}, false
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func keysField(m map[string]interface{}) []string {
	if list, ok := m["keys"].([]interface{}); ok {
		var keys []string
		for _, item := range list {
			if s, ok := item.(string); ok && NormalizeKey(s) != "" {
				keys = append(keys, NormalizeKey(s))
			}
		}
		return keys
	}
	return splitKeys(stringField(m, "keys", "key", "value", "text"))
}

func splitKeys(s string) []string {
	var keys []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ' ' || r == ',' }) {
		if k := NormalizeKey(part); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func firstField(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return strings.Trim(f[0], ",;")
	}
	return ""
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// ConsultQuestion reports whether text raises a human-in-the-loop
// consultation and returns the question that follows the marker.
func ConsultQuestion(text string, markers []string) (string, bool) {
	for _, marker := range markers {
		if marker == "" {
			continue
		}
		idx := strings.Index(text, marker)
		if idx < 0 {
			continue
		}
		q := strings.TrimSpace(text[idx+len(marker):])
		if nl := strings.IndexByte(q, '\n'); nl >= 0 {
			q = strings.TrimSpace(q[:nl])
		}
		return q, true
	}
	return "", false
}
