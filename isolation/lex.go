package isolation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// tokenize splits input into tokens. At each position every kind is tried
// and the longest match wins; on a tie the kind defined first wins. Skipped
// kinds produce no token. Characters no kind matches are reported and
// dropped. The result always ends with an EOF token.
func (lc *LexerClass) tokenize(ctx context.Context, input string, checkEvery int) ([]*RawToken, []RawError, error) {
	var (
		tokens []*RawToken
		errs   []RawError
	)
	if checkEvery <= 0 {
		checkEvery = 1
	}
	line, col := 1, 0
	for pos, n := 0, 0; pos < len(input); n++ {
		if n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		rest := input[pos:]
		var best *TokenKind
		bestLen := 0
		for _, k := range lc.kinds {
			if loc := k.re.FindStringIndex(rest); loc != nil && loc[1] > bestLen {
				best, bestLen = k, loc[1]
			}
		}
		if best == nil {
			_, size := utf8.DecodeRuneInString(rest)
			errs = append(errs, RawError{
				Line:    line,
				Column:  col,
				Offset:  -1,
				Token:   -1,
				Message: fmt.Sprintf("token recognition error at: '%s'", escapeText(rest[:size])),
			})
			line, col = advance(line, col, rest[:size])
			pos += size
			continue
		}
		text := rest[:bestLen]
		if !best.Skip {
			tokens = append(tokens, &RawToken{
				Kind:    best,
				Index:   len(tokens),
				Text:    text,
				Start:   pos,
				Stop:    pos + bestLen - 1,
				Line:    line,
				Column:  col,
				Channel: best.Channel,
			})
		}
		line, col = advance(line, col, text)
		pos += bestLen
	}
	tokens = append(tokens, &RawToken{
		Kind:   lc.eof,
		Index:  len(tokens),
		Text:   "<EOF>",
		Start:  len(input),
		Stop:   len(input) - 1,
		Line:   line,
		Column: col,
	})
	return tokens, errs, nil
}

// advance moves a line/column position past text.
func advance(line, col int, text string) (int, int) {
	for _, r := range text {
		if r == '\n' {
			line++
			col = 0
		} else {
			col++
		}
	}
	return line, col
}

var textEscaper = strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`)

func escapeText(s string) string {
	return textEscaper.Replace(s)
}
