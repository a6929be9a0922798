// Package geocell encodes coordinates into hierarchical rectangular cell tokens.
//
// Each token symbol subdivides its parent cell into a 4x4 grid, so a token of
// length L names one cell of a 4^L x 4^L grid over the whole world and the
// token of any enclosing cell is a prefix of it. Points on a cell boundary
// belong to the north/east neighbour; the world's own north and east edges
// belong to the last row and column.
package geocell

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
)

const (
	Alphabet = "0123456789abcdef"
	GridSize = 4

	// MaxResolution cells are about 0.6m x 0.3m at the equator.
	MaxResolution = 13
)

var ErrInvalidToken = errors.New("invalid cell token")

var symbolIndex [256]int8

func init() {
	for i := range symbolIndex {
		symbolIndex[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		symbolIndex[Alphabet[i]] = int8(i)
	}
}

func validateLevel(level int) error {
	if level < 0 || level > MaxResolution {
		return fmt.Errorf("%w: %d (must be 0..%d)", model.ErrInvalidLevel, level, MaxResolution)
	}
	return nil
}

// Span returns the height and width in degrees of one cell at level.
func Span(level int) (lat, lng float64) {
	return math.Ldexp(180, -2*level), math.Ldexp(360, -2*level)
}

// Encode returns the token of the cell containing c at level.
func Encode(c model.Coordinate, level int) (string, error) {
	if err := validateLevel(level); err != nil {
		return "", err
	}
	if err := c.Validate(); err != nil {
		return "", err
	}
	x, y := gridIndex(c, level)
	return FromGrid(x, y, level)
}

// GridIndex returns the column and row of the cell containing c at level.
func GridIndex(c model.Coordinate, level int) (x, y uint64, err error) {
	if err := validateLevel(level); err != nil {
		return 0, 0, err
	}
	if err := c.Validate(); err != nil {
		return 0, 0, err
	}
	x, y = gridIndex(c, level)
	return x, y, nil
}

// gridIndex bisects the extent level by level. Every boundary it compares
// against is exactly representable, so the result agrees with Decode.
func gridIndex(c model.Coordinate, level int) (x, y uint64) {
	south, west := -90.0, -180.0
	latSpan, lngSpan := 180.0, 360.0
	for range level {
		latSpan /= GridSize
		lngSpan /= GridSize
		var xi, yi uint64
		for k := 1; k < GridSize; k++ {
			if c.Lng >= west+float64(k)*lngSpan {
				xi = uint64(k)
			}
			if c.Lat >= south+float64(k)*latSpan {
				yi = uint64(k)
			}
		}
		west += float64(xi) * lngSpan
		south += float64(yi) * latSpan
		x = x*GridSize + xi
		y = y*GridSize + yi
	}
	return x, y
}

// FromGrid builds the token for column x, row y at level.
func FromGrid(x, y uint64, level int) (string, error) {
	if err := validateLevel(level); err != nil {
		return "", err
	}
	n := uint64(1) << (2 * uint(level))
	if x >= n || y >= n {
		return "", fmt.Errorf("grid position (%d,%d) outside level %d", x, y, level)
	}
	var b strings.Builder
	b.Grow(level)
	for i := level - 1; i >= 0; i-- {
		xi := (x >> (2 * uint(i))) & 3
		yi := (y >> (2 * uint(i))) & 3
		b.WriteByte(Alphabet[(yi&2)<<2|(xi&2)<<1|(yi&1)<<1|(xi&1)])
	}
	return b.String(), nil
}

// ToGrid parses a token into its column, row and level.
func ToGrid(token string) (x, y uint64, level int, err error) {
	level = len(token)
	if err := validateLevel(level); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: token %q", ErrInvalidToken, token)
	}
	for i := 0; i < len(token); i++ {
		s := symbolIndex[token[i]]
		if s < 0 {
			return 0, 0, 0, fmt.Errorf("%w: symbol %q in %q", ErrInvalidToken, token[i], token)
		}
		v := uint64(s)
		xi := (v & 1) | (v&4)>>1
		yi := (v&2)>>1 | (v&8)>>2
		x = x*GridSize + xi
		y = y*GridSize + yi
	}
	return x, y, level, nil
}

// Decode returns the exact extent of token.
func Decode(token string) (model.BBox, error) {
	x, y, level, err := ToGrid(token)
	if err != nil {
		return model.BBox{}, err
	}
	latSpan, lngSpan := Span(level)
	south := -90 + float64(y)*latSpan
	west := -180 + float64(x)*lngSpan
	return model.BBox{South: south, West: west, North: south + latSpan, East: west + lngSpan}, nil
}

// Contains reports whether c encodes to token at the token's level.
func Contains(token string, c model.Coordinate) bool {
	got, err := Encode(c, len(token))
	return err == nil && got == token
}

// Parent truncates token to level.
func Parent(token string, level int) (string, error) {
	if _, _, _, err := ToGrid(token); err != nil {
		return "", err
	}
	if level < 0 || level > len(token) {
		return "", fmt.Errorf("%w: parent level %d for token of level %d", model.ErrInvalidLevel, level, len(token))
	}
	return token[:level], nil
}

// Children returns the GridSize*GridSize cells one level below token, sorted.
func Children(token string) (model.Cells, error) {
	if _, _, _, err := ToGrid(token); err != nil {
		return nil, err
	}
	if len(token) >= MaxResolution {
		return nil, fmt.Errorf("%w: token %q is already at level %d", model.ErrInvalidLevel, token, MaxResolution)
	}
	out := make(model.Cells, 0, len(Alphabet))
	for i := 0; i < len(Alphabet); i++ {
		out = append(out, token+string(Alphabet[i]))
	}
	return out, nil
}
