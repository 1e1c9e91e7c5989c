// Package notify carries upload notifications from the engine to whoever
// renders them. Components receive a Sink and an Informer through their
// constructors instead of publishing to a shared bus.
package notify

type Kind string

const (
	KindStarted  Kind = "upload-started"
	KindProgress Kind = "upload-progress"
	KindSuccess  Kind = "upload-success"
	KindError    Kind = "upload-error"
	KindNotice   Kind = "notice"
	KindHide     Kind = "notice-hide"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Progress mirrors the progress payload of both transfer paths.
type Progress struct {
	BytesUploaded int64
	BytesTotal    int64
}

// Notice is a user-facing message about the whole operation, as opposed to
// per-file upload events.
type Notice struct {
	Level   Level
	Message string
}

// Event is the unit delivered to Hub subscribers.
type Event struct {
	Kind     Kind
	FileID   string
	Progress Progress
	Response any
	URL      string
	Err      error
	Notice   Notice
}

// Sink receives per-file upload notifications.
type Sink interface {
	UploadStarted(fileID string)
	UploadProgress(fileID string, p Progress)
	UploadSuccess(fileID string, response any, url string)
	UploadError(fileID string, err error)
}

// Informer receives operation-level notices.
type Informer interface {
	Inform(n Notice)
	Hide()
}

// Nop discards everything.
type Nop struct{}

func (Nop) UploadStarted(string) {}
func (Nop) UploadProgress(string, Progress) {}
func (Nop) UploadSuccess(string, any, string) {}
func (Nop) UploadError(string, error) {}
func (Nop) Inform(Notice) {}
func (Nop) Hide() {}

// Funcs adapts plain callbacks; nil callbacks are skipped.
type Funcs struct {
	OnStarted  func(fileID string)
	OnProgress func(fileID string, p Progress)
	OnSuccess  func(fileID string, response any, url string)
	OnError    func(fileID string, err error)
	OnNotice   func(n Notice)
	OnHide     func()
}

func (f Funcs) UploadStarted(fileID string) {
	if f.OnStarted != nil {
		f.OnStarted(fileID)
	}
}

func (f Funcs) UploadProgress(fileID string, p Progress) {
	if f.OnProgress != nil {
		f.OnProgress(fileID, p)
	}
}

func (f Funcs) UploadSuccess(fileID string, response any, url string) {
	if f.OnSuccess != nil {
		f.OnSuccess(fileID, response, url)
	}
}

func (f Funcs) UploadError(fileID string, err error) {
	if f.OnError != nil {
		f.OnError(fileID, err)
	}
}

func (f Funcs) Inform(n Notice) {
	if f.OnNotice != nil {
		f.OnNotice(n)
	}
}

func (f Funcs) Hide() {
	if f.OnHide != nil {
		f.OnHide()
	}
}
