// Package reader implements the external collaborator spec.md documents
// but deliberately places out of the hard core's scope (§1, §6 "Surface
// syntax"): a lexer and parser that turn source text into a list of
// expression values annotated with source locations. It is grounded on
// the original mara runtime's src/lexer.c and src/parser.c, translated
// into the idiom the rest of this module already uses — zone-allocated
// values built through package value/container rather than C structs.
package reader

import (
	"strings"

	"github.com/corelisp/corelisp"
)

// tokenType discriminates one lexeme (§6 "Surface syntax").
type tokenType int

const (
	tokEnd tokenType = iota
	tokLeftParen
	tokRightParen
	tokInt
	tokReal
	tokString
	tokSymbol
)

type token struct {
	typ    tokenType
	lexeme string
	rng    corelisp.SourceRange
}

// maxElementLength bounds a single captured lexeme (string or symbol),
// matching core/syntax/element-too-long (§7); the original lexer enforces
// this via a fixed-size capture buffer, which a Go slice doesn't need,
// but the spec names the error so a pathological input still reports it
// rather than consuming unbounded memory.
const maxElementLength = 1 << 20

type lexer struct {
	filename string
	src      string
	pos      int
	line     int
	col      int
}

func newLexer(filename, src string) *lexer {
	return &lexer{filename: filename, src: src, line: 1, col: 1}
}

func (lx *lexer) peek() byte {
	if lx.pos >= len(lx.src) {
		return 0
	}
	return lx.src[lx.pos]
}

func (lx *lexer) peekAt(off int) byte {
	if lx.pos+off >= len(lx.src) {
		return 0
	}
	return lx.src[lx.pos+off]
}

func (lx *lexer) pos2() corelisp.SourcePos {
	return corelisp.SourcePos{Line: lx.line, Column: lx.col, Offset: lx.pos}
}

func (lx *lexer) advance() {
	if lx.pos >= len(lx.src) {
		return
	}
	lx.pos++
	lx.col++
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\v' || ch == '\f'
}

func isNewLine(ch byte) bool { return ch == '\r' || ch == '\n' }
func isEnd(ch byte) bool     { return ch == 0 }
func isComment(ch byte) bool { return ch == ';' }
func isParen(ch byte) bool   { return ch == '(' || ch == ')' }
func isDigit(ch byte) bool   { return '0' <= ch && ch <= '9' }
func isQuote(ch byte) bool   { return ch == '"' }

func (lx *lexer) handleNewLine() {
	ch := lx.peek()
	lx.advance()
	if ch == '\r' && lx.peek() == '\n' {
		lx.advance()
	}
	lx.line++
	lx.col = 1
}

func (lx *lexer) skipComment() {
	for !isNewLine(lx.peek()) && !isEnd(lx.peek()) {
		lx.advance()
	}
}

func (lx *lexer) lexNumber(start corelisp.SourcePos, seed string) (token, error) {
	var sb strings.Builder
	sb.WriteString(seed)
	dotted := false
	for {
		ch := lx.peek()
		switch {
		case ch == '.':
			if dotted {
				return token{}, lx.errorAt(corelisp.ErrSyntaxBadNumber, "badly formatted number", start)
			}
			dotted = true
			sb.WriteByte(ch)
			lx.advance()
		case ch == '_' || isDigit(ch):
			sb.WriteByte(ch)
			lx.advance()
		case isSpace(ch) || isNewLine(ch) || isEnd(ch) || isComment(ch) || isParen(ch):
			typ := tokInt
			if dotted {
				typ = tokReal
			}
			if sb.Len() > maxElementLength {
				return token{}, lx.errorAt(corelisp.ErrSyntaxElementTooLong, "element is too long", start)
			}
			return token{typ: typ, lexeme: sb.String(), rng: corelisp.SourceRange{Filename: lx.filename, Start: start, End: lx.pos2()}}, nil
		default:
			return token{}, lx.errorAt(corelisp.ErrSyntaxBadNumber, "badly formatted number", start)
		}
	}
}

func (lx *lexer) lexString(start corelisp.SourcePos) (token, error) {
	lx.advance() // opening quote
	var sb strings.Builder
	for {
		ch := lx.peek()
		switch {
		case ch == '"':
			lx.advance()
			return token{typ: tokString, lexeme: sb.String(), rng: corelisp.SourceRange{Filename: lx.filename, Start: start, End: lx.pos2()}}, nil
		case ch == '\\':
			lx.advance()
			esc := lx.peek()
			if isEnd(esc) || isNewLine(esc) {
				return token{}, lx.errorAt(corelisp.ErrSyntaxBadString, "badly formatted string", start)
			}
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(esc)
			}
			lx.advance()
		case isEnd(ch) || isNewLine(ch):
			return token{}, lx.errorAt(corelisp.ErrSyntaxBadString, "badly formatted string", start)
		default:
			sb.WriteByte(ch)
			lx.advance()
		}
		if sb.Len() > maxElementLength {
			return token{}, lx.errorAt(corelisp.ErrSyntaxElementTooLong, "element is too long", start)
		}
	}
}

// lexSymbol continues a symbol run: any contiguous non-paren,
// non-whitespace, non-comment, non-quote run (§6).
func (lx *lexer) lexSymbol(start corelisp.SourcePos, sb *strings.Builder) (token, error) {
	for {
		ch := lx.peek()
		if isSpace(ch) || isNewLine(ch) || isEnd(ch) || isParen(ch) || isComment(ch) || isQuote(ch) {
			if sb.Len() > maxElementLength {
				return token{}, lx.errorAt(corelisp.ErrSyntaxElementTooLong, "element is too long", start)
			}
			return token{typ: tokSymbol, lexeme: sb.String(), rng: corelisp.SourceRange{Filename: lx.filename, Start: start, End: lx.pos2()}}, nil
		}
		sb.WriteByte(ch)
		lx.advance()
	}
}

func (lx *lexer) errorAt(t corelisp.ErrorType, msg string, start corelisp.SourcePos) error {
	return corelisp.NewError(t, "%s", msg).WithSource(corelisp.SourceInfo{
		Range: corelisp.SourceRange{Filename: lx.filename, Start: start, End: lx.pos2()},
	})
}

// next scans and returns the next token (§6 "Surface syntax"): a leading
// '-' followed by a digit is a number, otherwise part of a symbol.
func (lx *lexer) next() (token, error) {
	for {
		ch := lx.peek()
		switch {
		case isEnd(ch):
			p := lx.pos2()
			return token{typ: tokEnd, rng: corelisp.SourceRange{Filename: lx.filename, Start: p, End: p}}, nil
		case isSpace(ch):
			lx.advance()
			continue
		case isComment(ch):
			lx.skipComment()
			continue
		case isNewLine(ch):
			lx.handleNewLine()
			continue
		case isParen(ch):
			start := lx.pos2()
			lx.advance()
			typ := tokLeftParen
			if ch == ')' {
				typ = tokRightParen
			}
			return token{typ: typ, rng: corelisp.SourceRange{Filename: lx.filename, Start: start, End: lx.pos2()}}, nil
		case ch == '-':
			start := lx.pos2()
			if isDigit(lx.peekAt(1)) {
				lx.advance()
				return lx.lexNumber(start, "-")
			}
			var sb strings.Builder
			sb.WriteByte(ch)
			lx.advance()
			return lx.lexSymbol(start, &sb)
		case isDigit(ch):
			start := lx.pos2()
			return lx.lexNumber(start, "")
		case ch == '"':
			start := lx.pos2()
			return lx.lexString(start)
		default:
			start := lx.pos2()
			var sb strings.Builder
			sb.WriteByte(ch)
			lx.advance()
			return lx.lexSymbol(start, &sb)
		}
	}
}
