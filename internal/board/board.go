// Package board holds the shared canvas grid and its on-disk snapshots.
//
// A Store is not safe for concurrent use; the gateway event loop owns it and
// hands copies (Snapshot) to the persistence path.
package board

import (
	"regexp"
	"time"

	"github.com/samber/lo"

	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// ValidColor reports whether c has the #RRGGBB form.
func ValidColor(c string) bool {
	return colorPattern.MatchString(c)
}

type Store struct {
	width      int
	height     int
	background string
	grid       [][]string
}

// Snapshot is the persisted board layout.
type Snapshot struct {
	Board       [][]string `json:"board"`
	BoardWidth  int        `json:"boardWidth"`
	BoardHeight int        `json:"boardHeight"`
	LastSave    time.Time  `json:"lastSave"`
}

func New(width, height int, background string) *Store {
	if !ValidColor(background) {
		util.LogWarn("Invalid background color %q, using #FFFFFF", background)
		background = "#FFFFFF"
	}
	s := &Store{width: width, height: height, background: background}
	s.grid = s.blankGrid()
	return s
}

func (s *Store) blankGrid() [][]string {
	return lo.Times(s.height, func(_ int) []string {
		return lo.Times(s.width, func(_ int) string { return s.background })
	})
}

func (s *Store) Width() int         { return s.width }
func (s *Store) Height() int        { return s.height }

func (s *Store) inBounds(x, y int) bool {
	return x >= 0 && x < s.width && y >= 0 && y < s.height
}

func (s *Store) Get(x, y int) (string, bool) {
	if !s.inBounds(x, y) {
		return "", false
	}
	return s.grid[y][x], true
}

// Set writes color at (x, y). It returns false, leaving the grid untouched,
// when the coordinates are out of range or the color is malformed.
func (s *Store) Set(x, y int, color string) bool {
	if !s.inBounds(x, y) || !ValidColor(color) {
		return false
	}
	s.grid[y][x] = color
	return true
}

func (s *Store) Clear() {
	s.grid = s.blankGrid()
}

// Grid returns a deep copy of the cells, row-major ([y][x]).
func (s *Store) Grid() [][]string {
	out := make([][]string, len(s.grid))
	for y, row := range s.grid {
		out[y] = append([]string(nil), row...)
	}
	return out
}

func (s *Store) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		Board:       s.Grid(),
		BoardWidth:  s.width,
		BoardHeight: s.height,
		LastSave:    now,
	}
}

// Restore replaces the grid with snap.Board when it is a non-empty
// rectangular array of valid colors. A snapshot of different dimensions is
// copied over the overlapping region.
func (s *Store) Restore(snap Snapshot) bool {
	rows := snap.Board
	if len(rows) == 0 || len(rows[0]) == 0 {
		util.LogWarn("Rejected board snapshot: empty grid")
		return false
	}
	cols := len(rows[0])
	for y, row := range rows {
		if len(row) != cols {
			util.LogWarn("Rejected board snapshot: row %d has %d cells, expected %d", y, len(row), cols)
			return false
		}
		for x, c := range row {
			if !ValidColor(c) {
				util.LogWarn("Rejected board snapshot: invalid color %q at (%d,%d)", c, x, y)
				return false
			}
		}
	}

	if len(rows) != s.height || cols != s.width {
		util.LogWarn("Board snapshot is %dx%d, configured board is %dx%d; copying overlap", cols, len(rows), s.width, s.height)
	}
	grid := s.blankGrid()
	for y := 0; y < min(len(rows), s.height); y++ {
		copy(grid[y], rows[y][:min(cols, s.width)])
	}
	s.grid = grid
	return true
}
