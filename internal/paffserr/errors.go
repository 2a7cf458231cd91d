// Package paffserr enumerates the closed set of result kinds every public
// PAFFS operation can return (spec §7), following the teacher's convention of
// exported sentinel error values declared once per package (see
// squashfs/errors.go) rather than a global last-error field.
package paffserr

import "errors"

// Kind is one of the closed set of result kinds from spec §6/§7.
type Kind int

const (
	Ok Kind = iota
	Fail
	NotFound
	Exists
	TooBig
	InvalidInput
	NImpl
	Bug
	NoParent
	NoSpace
	LowMem
	NoPerm
	DirNotEmpty
	BadFlash
	NotMounted
	AlrMounted
	ObjNameTooLong
	ReadOnly
	BiterrorCorrected
	BiterrorNotCorrected
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Fail:
		return "fail"
	case NotFound:
		return "notFound"
	case Exists:
		return "exists"
	case TooBig:
		return "tooBig"
	case InvalidInput:
		return "invalidInput"
	case NImpl:
		return "nimpl"
	case Bug:
		return "bug"
	case NoParent:
		return "noParent"
	case NoSpace:
		return "noSpace"
	case LowMem:
		return "lowMem"
	case NoPerm:
		return "noPerm"
	case DirNotEmpty:
		return "dirNotEmpty"
	case BadFlash:
		return "badFlash"
	case NotMounted:
		return "notMounted"
	case AlrMounted:
		return "alrMounted"
	case ObjNameTooLong:
		return "objNameTooLong"
	case ReadOnly:
		return "readOnly"
	case BiterrorCorrected:
		return "biterrorCorrected"
	case BiterrorNotCorrected:
		return "biterrorNotCorrected"
	default:
		return "unknown"
	}
}

// Error wraps a Kind as a Go error so callers can use errors.Is against the
// sentinels below while still carrying a Kind for switch-based handling.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error for Kind with an optional contextual message.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Sentinels for errors.Is comparisons, one per Kind except Ok and
// BiterrorCorrected (mirrors squashfs's package-level Err* variables).
var (
	ErrFail                 error = &Error{Kind: Fail}
	ErrNotFound             error = &Error{Kind: NotFound}
	ErrExists               error = &Error{Kind: Exists}
	ErrTooBig               error = &Error{Kind: TooBig}
	ErrInvalidInput         error = &Error{Kind: InvalidInput}
	ErrNImpl                error = &Error{Kind: NImpl}
	ErrBug                  error = &Error{Kind: Bug}
	ErrNoParent             error = &Error{Kind: NoParent}
	ErrNoSpace              error = &Error{Kind: NoSpace}
	ErrLowMem               error = &Error{Kind: LowMem}
	ErrNoPerm               error = &Error{Kind: NoPerm}
	ErrDirNotEmpty          error = &Error{Kind: DirNotEmpty}
	ErrBadFlash             error = &Error{Kind: BadFlash}
	ErrNotMounted           error = &Error{Kind: NotMounted}
	ErrAlrMounted           error = &Error{Kind: AlrMounted}
	ErrObjNameTooLong       error = &Error{Kind: ObjNameTooLong}
	ErrReadOnly             error = &Error{Kind: ReadOnly}
	ErrBiterrorNotCorrected error = &Error{Kind: BiterrorNotCorrected}
)

// Of extracts the Kind of err, or Fail if err is a plain non-PAFFS error, or
// Ok if err is nil.
func Of(err error) Kind {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fail
}
