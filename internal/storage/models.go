package storage

// DirectoryMimetype marks a file that holds children and no content.
const DirectoryMimetype = "application/x-directory"

// Storage is the root of one file tree.
type Storage struct {
	ID    string `json:"id"`
	Quota int64  `json:"quota"` // bytes, -1 for unlimited
	Used  int64  `json:"used"`
	Ctime int64  `json:"ctime"`
	Mtime int64  `json:"mtime"`
	Rev   int64  `json:"rev"`
}

// Comment is a user note attached to a file.
type Comment struct {
	ID      int64  `json:"id"`
	User    int64  `json:"user"`
	Content string `json:"content"`
	Ctime   int64  `json:"ctime"`
	Mtime   int64  `json:"mtime"`
}

// FileInfo is a snapshot of a file and, depending on the requested depth,
// its descendants. Position is the logical index among siblings.
type FileInfo struct {
	ID         int64             `json:"id"`
	ParentID   int64             `json:"parent_id"`
	Name       string            `json:"name"`
	Mimetype   string            `json:"mimetype"`
	Ctime      int64             `json:"ctime"`
	Mtime      int64             `json:"mtime"`
	Rev        int64             `json:"rev"`
	Size       int64             `json:"size"`
	Position   int64             `json:"position"`
	Meta       map[string]string `json:"meta"`
	Comments   []Comment         `json:"comments"`
	Children   []FileInfo        `json:"children,omitempty"`
	StorageRev int64             `json:"storage_rev,omitempty"` // set on the top node only
}

// FileDefine carries the optional attributes of a create or change call.
// A nil Meta value deletes that key on change and is ignored on create.
type FileDefine struct {
	Name     *string            `json:"name,omitempty"`
	Parent   *int64             `json:"parent_id,omitempty"`
	Position *int64             `json:"position,omitempty"`
	Meta     map[string]*string `json:"meta,omitempty"`
}

// Source locates the current content of a file for derived builders.
type Source struct {
	Storage  string
	File     int64
	Name     string
	Mimetype string
	Rev      int64
	Size     int64
	Path     string
}
