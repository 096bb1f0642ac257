package expressions

import (
	"strconv"
	"strings"

	"github.com/weftlabs/weft/pkg/schema"
)

// TokenKind discriminates path tokens.
type TokenKind int

const (
	// TokenField accesses a named field of an object.
	TokenField TokenKind = iota
	// TokenIndex accesses a fixed position of an array.
	TokenIndex
	// TokenWildcard fans out over every element of an array, flattening
	// the per-element results into one array.
	TokenWildcard
)

// PathToken is one step of a tokenized reference path.
type PathToken struct {
	Kind  TokenKind
	Field string
	Index int
}

// TokenizePath parses a dotted reference path like "emails[0].id" or
// "items[*].tags" into a token list. Supported segment forms: plain fields,
// "[N]" indexes, "[*]" wildcards, and a bare "*" segment as wildcard.
func TokenizePath(path string) ([]PathToken, error) {
	var tokens []PathToken
	i := 0
	n := len(path)

	for i < n {
		switch {
		case path[i] == '.':
			if i == 0 || i == n-1 || path[i+1] == '.' {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidPath,
					"empty segment in path %q", path)
			}
			i++

		case path[i] == '[':
			close := strings.IndexByte(path[i:], ']')
			if close == -1 {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidPath,
					"unclosed bracket in path %q", path)
			}
			inner := strings.TrimSpace(path[i+1 : i+close])
			if inner == "*" {
				tokens = append(tokens, PathToken{Kind: TokenWildcard})
			} else {
				idx, err := strconv.Atoi(inner)
				if err != nil || idx < 0 {
					return nil, schema.NewErrorf(schema.ErrCodeInvalidPath,
						"invalid index %q in path %q", inner, path)
				}
				tokens = append(tokens, PathToken{Kind: TokenIndex, Index: idx})
			}
			i += close + 1

		default:
			end := i
			for end < n && path[end] != '.' && path[end] != '[' {
				end++
			}
			seg := path[i:end]
			if seg == "*" {
				tokens = append(tokens, PathToken{Kind: TokenWildcard})
			} else {
				tokens = append(tokens, PathToken{Kind: TokenField, Field: seg})
			}
			i = end
		}
	}

	if len(tokens) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidPath, "empty reference path")
	}
	return tokens, nil
}
