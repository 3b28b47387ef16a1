package cohort

import (
	"fmt"
	"time"

	"github.com/rzbill/sharepipe/internal/codec"
)

// CohortKey keys records on the load and file-process topics.
type CohortKey struct {
	CustomerID string `json:"customerId"`
	CohortID   string `json:"cohortId"`
}

// MemberKey keys records on the member-command topic.
type MemberKey struct {
	CustomerID string `json:"customerId"`
	CohortID   string `json:"cohortId"`
	MemberID   string `json:"memberId"`
}

// UpdateEvent announces that a customer's cohort has new member files.
type UpdateEvent struct {
	CustomerID    string    `json:"customerId"`
	CohortID      string    `json:"cohortId"`
	UpdatedTs     time.Time `json:"updatedTs"`
	FileLocations []string  `json:"fileLocations"`
}

func (e UpdateEvent) Key() CohortKey {
	return CohortKey{CustomerID: e.CustomerID, CohortID: e.CohortID}
}

// FileProcessCommand asks for one cohort file to be processed.
type FileProcessCommand struct {
	CustomerID   string    `json:"customerId"`
	CohortID     string    `json:"cohortId"`
	UpdatedTs    time.Time `json:"updatedTs"`
	FileLocation string    `json:"fileLocation"`
}

func (c FileProcessCommand) Key() CohortKey {
	return CohortKey{CustomerID: c.CustomerID, CohortID: c.CohortID}
}

// Member file actions.
const (
	ActionAdd    = "ADD"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// MemberEntry is one row of a cohort file.
type MemberEntry struct {
	MemberID   string `json:"memberId"`
	Email      string `json:"email"`
	MemberName string `json:"memberName"`
	Action     string `json:"action"`
}

// CommandKind discriminates MemberCommand variants.
type CommandKind string

const (
	KindAdd    CommandKind = "Add"
	KindUpdate CommandKind = "Update"
	KindRemove CommandKind = "Remove"
)

// Valid reports whether k is one of the three variants.
func (k CommandKind) Valid() bool {
	switch k {
	case KindAdd, KindUpdate, KindRemove:
		return true
	}
	return false
}

// KindForAction maps a member file action to its command variant. Any other
// action is a decode error.
func KindForAction(action string) (CommandKind, error) {
	switch action {
	case ActionAdd:
		return KindAdd, nil
	case ActionUpdate:
		return KindUpdate, nil
	case ActionDelete:
		return KindRemove, nil
	default:
		return "", codec.NewDecodeError("MemberEntry", fmt.Errorf("unknown action %q", action))
	}
}

// MemberCommand mutates one member's cohort membership. Kind selects the
// variant; all variants share the same fields.
type MemberCommand struct {
	Kind          CommandKind `json:"type"`
	CustomerID    string      `json:"customerId"`
	CohortID      string      `json:"cohortId"`
	MemberID      string      `json:"memberId"`
	Email         string      `json:"email"`
	MemberName    string      `json:"memberName"`
	FileLocation  string      `json:"fileLocation"`
	TransactionTs time.Time   `json:"transactionTs"`
}

func (c MemberCommand) Key() MemberKey {
	return MemberKey{CustomerID: c.CustomerID, CohortID: c.CohortID, MemberID: c.MemberID}
}

// EntryToCommand builds the command for entry read from the file named by
// cmd. The command carries cmd's identifiers, file location and timestamp.
func EntryToCommand(entry MemberEntry, cmd FileProcessCommand) (MemberCommand, error) {
	kind, err := KindForAction(entry.Action)
	if err != nil {
		return MemberCommand{}, err
	}
	return MemberCommand{
		Kind:          kind,
		CustomerID:    cmd.CustomerID,
		CohortID:      cmd.CohortID,
		MemberID:      entry.MemberID,
		Email:         entry.Email,
		MemberName:    entry.MemberName,
		FileLocation:  cmd.FileLocation,
		TransactionTs: cmd.UpdatedTs,
	}, nil
}
