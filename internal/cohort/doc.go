// Package cohort holds the cohort pipeline's payloads and its two stage
// transforms.
//
// The load stage turns each UpdateEvent into one FileProcessCommand per file
// location. The file stage reads the named file, a JSON array of
// MemberEntry, and emits one MemberCommand per entry:
//
//	ADD    -> Add
//	UPDATE -> Update
//	DELETE -> Remove
//
// Any other action fails the whole file with a codec.DecodeError. A file that
// does not exist is not an error; it produces no commands.
package cohort
