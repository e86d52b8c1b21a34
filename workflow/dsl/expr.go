package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate 在给定作用域上对条件表达式求值，返回布尔结果。
//
// 支持的运算符：== != > < >= <=、&& ||、!，可用括号分组。
// 字面量支持数字、双引号字符串以及 true/false。
// 标识符按点号路径在作用域中解析：result.score 等价于
// scope["result"].(map[string]any)["score"]。空表达式恒为 false。
func Evaluate(expr string, scope map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	toks, err := lex(expr)
	if err != nil {
		return false, err
	}
	if len(toks) == 0 {
		return false, nil
	}

	p := &parser{toks: toks, vars: scope}
	v, err := p.disjunction()
	if err != nil {
		return false, err
	}
	if !p.done() {
		return false, fmt.Errorf("trailing input %q in expression", p.head().text)
	}
	return Truthy(v), nil
}

// Lookup 按点号路径从作用域中解析值。
// "status" 取 scope["status"]；"result.score" 逐层深入嵌套 map。
// 任一段缺失或中途遇到非 map 值时返回 nil。
func Lookup(path string, scope map[string]any) any {
	var node any = scope
	rest := path
	for {
		seg, tail, more := strings.Cut(rest, ".")
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		if node, ok = m[seg]; !ok {
			return nil
		}
		if !more {
			return node
		}
		rest = tail
	}
}

// Truthy 将任意值折算成布尔：nil、零值数字、空串以及字符串
// "false"、"0" 视为假，其余一律为真。
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		return x != "" && x != "false" && x != "0"
	}
	return true
}

// ============================================================
// 词法分析
// ============================================================

type symbol int

const (
	symNone   symbol = iota // 哨兵：尚未产出任何 token
	symNumber               // 42、0.8、-3.14
	symString               // "hello"
	symIdent                // 变量路径或 true/false
	symOp                   // == != > < >= <= && || !
	symOpen                 // (
	symClose                // )
)

type token struct {
	sym  symbol
	text string
}

type lexer struct {
	src  []rune
	pos  int
	last symbol // 上一个产出 token 的类别
	out  []token
}

func lex(expr string) ([]token, error) {
	lx := &lexer{src: []rune(expr)}
	for lx.pos < len(lx.src) {
		if err := lx.step(); err != nil {
			return nil, err
		}
	}
	return lx.out, nil
}

func (lx *lexer) emit(sym symbol, text string) {
	lx.out = append(lx.out, token{sym, text})
	lx.last = sym
}

func (lx *lexer) step() error {
	switch ch := lx.src[lx.pos]; {
	case unicode.IsSpace(ch):
		lx.pos++
		return nil
	case ch == '(':
		lx.emit(symOpen, "(")
		lx.pos++
		return nil
	case ch == ')':
		lx.emit(symClose, ")")
		lx.pos++
		return nil
	case ch == '"':
		return lx.scanString()
	}

	if op, ok := lx.matchOp(); ok {
		lx.emit(symOp, op)
		lx.pos += len(op)
		return nil
	}

	switch ch := lx.src[lx.pos]; {
	case isDigit(ch) || (ch == '-' && lx.negAllowed()):
		lx.scanNumber()
	case unicode.IsLetter(ch) || ch == '_':
		lx.scanWord()
	default:
		return fmt.Errorf("unexpected character %q at offset %d", string(ch), lx.pos)
	}
	return nil
}

// matchOp 在游标处匹配最长的运算符。
func (lx *lexer) matchOp() (string, bool) {
	if lx.pos+1 < len(lx.src) {
		switch two := string(lx.src[lx.pos : lx.pos+2]); two {
		case "==", "!=", ">=", "<=", "&&", "||":
			return two, true
		}
	}
	switch lx.src[lx.pos] {
	case '>', '<', '!':
		return string(lx.src[lx.pos]), true
	}
	return "", false
}

// negAllowed 判断 '-' 是否应作为负数前缀：出现在表达式开头、
// 运算符之后或左括号之后，且紧跟数字时成立。
func (lx *lexer) negAllowed() bool {
	if lx.pos+1 >= len(lx.src) || !isDigit(lx.src[lx.pos+1]) {
		return false
	}
	switch lx.last {
	case symNone, symOp, symOpen:
		return true
	}
	return false
}

func (lx *lexer) scanString() error {
	start := lx.pos
	lx.pos++ // 跳过开引号
	var b strings.Builder
	for lx.pos < len(lx.src) {
		ch := lx.src[lx.pos]
		if ch == '\\' && lx.pos+1 < len(lx.src) {
			b.WriteRune(lx.src[lx.pos+1])
			lx.pos += 2
			continue
		}
		if ch == '"' {
			lx.pos++
			lx.emit(symString, b.String())
			return nil
		}
		b.WriteRune(ch)
		lx.pos++
	}
	return fmt.Errorf("unterminated string literal at offset %d", start)
}

func (lx *lexer) scanNumber() {
	start := lx.pos
	if lx.src[lx.pos] == '-' {
		lx.pos++
	}
	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.pos < len(lx.src) && lx.src[lx.pos] == '.' {
		lx.pos++
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
	}
	lx.emit(symNumber, string(lx.src[start:lx.pos]))
}

func (lx *lexer) scanWord() {
	start := lx.pos
	for lx.pos < len(lx.src) && isPathRune(lx.src[lx.pos]) {
		lx.pos++
	}
	lx.emit(symIdent, string(lx.src[start:lx.pos]))
}

func isDigit(ch rune) bool { return '0' <= ch && ch <= '9' }

// isPathRune 判断字符能否出现在标识符内部。点号留在标识符里，
// 这样点号路径整体作为一个 token 进入解析器。
func isPathRune(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// ============================================================
// 递归下降解析
// ============================================================

// 文法（自顶向下）：
//
//	disjunction  = conjunction { "||" conjunction }
//	conjunction  = relation { "&&" relation }
//	relation     = negation [ relop negation ]
//	negation     = "!" negation | operand
//	operand      = number | string | ident | "(" disjunction ")"
type parser struct {
	toks []token
	idx  int
	vars map[string]any
}

func (p *parser) done() bool  { return p.idx >= len(p.toks) }
func (p *parser) head() token { return p.toks[p.idx] }

func (p *parser) take() token {
	t := p.toks[p.idx]
	p.idx++
	return t
}

// acceptOp 在下一个 token 是给定运算符之一时消费它。
func (p *parser) acceptOp(ops ...string) (string, bool) {
	if p.done() || p.head().sym != symOp {
		return "", false
	}
	for _, op := range ops {
		if p.head().text == op {
			p.idx++
			return op, true
		}
	}
	return "", false
}

func (p *parser) disjunction() (any, error) {
	left, err := p.conjunction()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.conjunction()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) || Truthy(right)
	}
}

func (p *parser) conjunction() (any, error) {
	left, err := p.relation()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.relation()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) && Truthy(right)
	}
}

func (p *parser) relation() (any, error) {
	left, err := p.negation()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", ">", "<", ">=", "<=")
	if !ok {
		return left, nil
	}
	right, err := p.negation()
	if err != nil {
		return nil, err
	}
	return compare(left, op, right), nil
}

func (p *parser) negation() (any, error) {
	if _, ok := p.acceptOp("!"); ok {
		v, err := p.negation()
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}
	return p.operand()
}

func (p *parser) operand() (any, error) {
	if p.done() {
		return nil, fmt.Errorf("expression ends unexpectedly")
	}
	t := p.take()
	switch t.sym {
	case symNumber:
		return strconv.ParseFloat(t.text, 64)
	case symString:
		return t.text, nil
	case symIdent:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return Lookup(t.text, p.vars), nil
	case symOpen:
		inner, err := p.disjunction()
		if err != nil {
			return nil, err
		}
		if p.done() || p.head().sym != symClose {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.take()
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

// ============================================================
// 比较求值
// ============================================================

// compare 应用关系运算符。两侧都能转成数字时按数值比较，
// 否则退化为格式化字符串比较。nil 排在一切非 nil 值之前。
func compare(left any, op string, right any) bool {
	if left == nil || right == nil {
		return compareNil(left, op, right)
	}
	if lf, lok := asNumber(left); lok {
		if rf, rok := asNumber(right); rok {
			return compareFloats(lf, op, rf)
		}
	}
	ls, rs := fmt.Sprint(left), fmt.Sprint(right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

// compareNil 处理至少一侧为 nil 的比较：两个 nil 相等，
// 单侧 nil 仅在 != 下为真，排序比较时 nil 小于任何值。
func compareNil(left any, op string, right any) bool {
	if left == nil && right == nil {
		return op == "==" || op == ">=" || op == "<="
	}
	switch op {
	case "!=":
		return true
	case "==":
		return false
	}
	if left == nil {
		return op == "<" || op == "<="
	}
	return op == ">" || op == ">="
}

func compareFloats(a float64, op string, b float64) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}

// asNumber 尝试把值转成 float64。字符串按可解析数字处理，
// 布尔值与无符号整数不参与数值比较。
func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
