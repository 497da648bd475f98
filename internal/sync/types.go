package sync

import (
	"fmt"
	"strings"
	"time"

	"bisync/internal/database"
	"bisync/internal/fs"
)

// Direction 定义同步方向
type Direction int

const (
	DirectionNone Direction = iota
	DirectionUp             // 本地 -> 远端
	DirectionDown           // 远端 -> 本地
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "none"
	}
}

// Instruction 定义同步项需要执行的动作
type Instruction int

const (
	InstructionNone Instruction = iota
	InstructionNew
	InstructionRemoved
	InstructionRenamed
	InstructionConflict
	InstructionUpdated
	InstructionIgnored
	InstructionError
)

var instructionNames = [...]string{"none", "new", "removed", "renamed", "conflict", "updated", "ignored", "error"}

func (i Instruction) String() string {
	if int(i) < len(instructionNames) {
		return instructionNames[i]
	}
	return fmt.Sprintf("instruction(%d)", int(i))
}

// SyncItem 代表一个具体的同步任务
type SyncItem struct {
	Path        string // 相对路径
	Direction   Direction
	Kind        fs.Kind
	Instruction Instruction

	// Identity, ModTime and Size describe the source side of the item: the
	// local entry for Up, the remote entry for Down.
	Identity string
	ModTime  time.Time
	Size     int64

	// RenameTarget is set when Instruction is Renamed.
	RenameTarget string

	// OriginalPath is the journal key the item had before a folder rename
	// moved it. Empty when the item was not moved.
	OriginalPath string

	// MovedWithParent marks items whose rename is carried out by the rename
	// of an ancestor folder; propagation only verifies them.
	MovedWithParent bool

	// Local and Remote are the walk observations (nil when absent on that
	// side); Base is the journal record the decision was made against.
	Local  *fs.FileMeta
	Remote *fs.FileMeta
	Base   *database.FileState

	// Err holds the failure message once Instruction is Error.
	Err string
}

// JournalPath is the key the item's record lives under before propagation.
func (it *SyncItem) JournalPath() string {
	if it.OriginalPath != "" {
		return it.OriginalPath
	}
	return it.Path
}

// SubtreeRoot is the path under which descendants of this item live once it
// has been propagated.
func (it *SyncItem) SubtreeRoot() string {
	if it.Instruction == InstructionRenamed && it.RenameTarget != "" {
		return it.RenameTarget
	}
	return it.Path
}

// Validate checks the per-item invariants.
func (it *SyncItem) Validate() error {
	if it.Path == "" {
		return fmt.Errorf("item has empty path")
	}
	if it.Instruction == InstructionRenamed && it.RenameTarget == "" {
		return fmt.Errorf("%s: renamed item without rename target", it.Path)
	}
	if it.Direction == DirectionNone &&
		it.Instruction != InstructionIgnored && it.Instruction != InstructionNone {
		return fmt.Errorf("%s: %s item without direction", it.Path, it.Instruction)
	}
	return nil
}

func (it SyncItem) String() string {
	if it.Instruction == InstructionRenamed {
		return fmt.Sprintf("%s %s %s -> %s", it.Instruction, it.Direction, it.Path, it.RenameTarget)
	}
	return fmt.Sprintf("%s %s %s", it.Instruction, it.Direction, it.Path)
}

// ItemList is the ordered work list of one pass. Its cursor only moves
// forward and is reset at the start of each pass.
type ItemList struct {
	items    []SyncItem
	iterator int
}

// NewItemList wraps items without copying.
func NewItemList(items []SyncItem) *ItemList {
	return &ItemList{items: items}
}

// Len returns the number of items.
func (l *ItemList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

// Items returns the backing slice.
func (l *ItemList) Items() []SyncItem {
	if l == nil {
		return nil
	}
	return l.items
}

// At returns a pointer to item i so completion can record failures in place.
func (l *ItemList) At(i int) *SyncItem {
	return &l.items[i]
}

// Iterator is the index of the next item to hand to propagation.
func (l *ItemList) Iterator() int {
	return l.iterator
}

// Remaining returns the items from the cursor onward.
func (l *ItemList) Remaining() []SyncItem {
	return l.items[l.iterator:]
}

// Advance moves the cursor forward by n, never past the end.
func (l *ItemList) Advance(n int) {
	if n <= 0 {
		return
	}
	l.iterator += n
	if l.iterator > len(l.items) {
		l.iterator = len(l.items)
	}
}

// Reset rewinds the cursor for a new pass.
func (l *ItemList) Reset() {
	l.iterator = 0
}

// isUnder reports whether p equals dir or lies below it.
func isUnder(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// isBelow reports whether p lies strictly below dir.
func isBelow(p, dir string) bool {
	return strings.HasPrefix(p, dir+"/")
}
