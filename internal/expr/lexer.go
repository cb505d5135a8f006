package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokIdent
	tokOp
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// operators and keywords the lexer recognises; multi-character operators
// are matched longest-first.
var operators = []string{
	"**", "==", "!=", "<=", ">=",
	"+", "-", "*", "/", "%", "<", ">", "(", ")", "[", "]", ".", ",",
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := rune(input[i])
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '\'' || c == '"':
			quote := input[i]
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{kind: tokString, text: input[i+1 : j], pos: i})
			i = j + 1

		case c >= '0' && c <= '9' || c == '.' && i+1 < len(input) && input[i+1] >= '0' && input[i+1] <= '9':
			j := i
			seenDot, seenExp := false, false
			for j < len(input) {
				d := input[j]
				if d >= '0' && d <= '9' {
					j++
					continue
				}
				if d == '.' && !seenDot && !seenExp {
					seenDot = true
					j++
					continue
				}
				if (d == 'e' || d == 'E') && !seenExp && j > i {
					seenExp = true
					j++
					if j < len(input) && (input[j] == '+' || input[j] == '-') {
						j++
					}
					continue
				}
				break
			}
			var f float64
			if _, err := fmt.Sscanf(input[i:j], "%g", &f); err != nil {
				return nil, fmt.Errorf("bad number %q at offset %d", input[i:j], i)
			}
			toks = append(toks, token{kind: tokNumber, text: input[i:j], num: f, pos: i})
			i = j

		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(input) {
				d := rune(input[j])
				if !unicode.IsLetter(d) && !unicode.IsDigit(d) && d != '_' {
					break
				}
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: input[i:j], pos: i})
			i = j

		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(input[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op, pos: i})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(input)})
	return toks, nil
}
