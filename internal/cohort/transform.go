package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rzbill/sharepipe/internal/codec"
	"github.com/rzbill/sharepipe/internal/pipeline"
	"github.com/rzbill/sharepipe/internal/queue"
	"github.com/rzbill/sharepipe/pkg/log"
)

// FileCommands fans an update event out to one command per file location,
// in order.
func FileCommands(e UpdateEvent) []FileProcessCommand {
	out := make([]FileProcessCommand, 0, len(e.FileLocations))
	for _, loc := range e.FileLocations {
		out = append(out, FileProcessCommand{
			CustomerID:   e.CustomerID,
			CohortID:     e.CohortID,
			UpdatedTs:    e.UpdatedTs,
			FileLocation: loc,
		})
	}
	return out
}

// MemberCommands maps every entry of the file named by cmd to a command. A
// single unknown action fails the whole file.
func MemberCommands(cmd FileProcessCommand, entries []MemberEntry) ([]MemberCommand, error) {
	out := make([]MemberCommand, 0, len(entries))
	for i, e := range entries {
		mc, err := EntryToCommand(e, cmd)
		if err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", cmd.FileLocation, i, err)
		}
		out = append(out, mc)
	}
	return out, nil
}

// DecodeUpdateEvent validates and decodes a load-topic payload.
func DecodeUpdateEvent(b []byte) (UpdateEvent, error) {
	return codec.Decode[UpdateEvent](updateEventSchema, b)
}

// DecodeFileProcessCommand validates and decodes a file-process payload.
func DecodeFileProcessCommand(b []byte) (FileProcessCommand, error) {
	return codec.Decode[FileProcessCommand](fileCommandSchema, b)
}

// DecodeMemberCommand validates and decodes a member-command payload.
func DecodeMemberCommand(b []byte) (MemberCommand, error) {
	return codec.Decode[MemberCommand](memberCommandSchema, b)
}

// EncodeKey renders a record key as JSON text.
func EncodeKey(k interface{}) (string, error) {
	b, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("encode key: %w", err)
	}
	return string(b), nil
}

func output(key, value interface{}) (pipeline.Output, error) {
	k, err := EncodeKey(key)
	if err != nil {
		return pipeline.Output{}, err
	}
	v, err := codec.Encode(value)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{Key: k, Value: v}, nil
}

// UpdateTransform is the load stage: UpdateEvent to FileProcessCommand*.
func UpdateTransform(_ context.Context, rec queue.Record) ([]pipeline.Output, error) {
	e, err := DecodeUpdateEvent(rec.Value)
	if err != nil {
		return nil, err
	}
	cmds := FileCommands(e)
	outs := make([]pipeline.Output, 0, len(cmds))
	for _, c := range cmds {
		o, err := output(c.Key(), c)
		if err != nil {
			return nil, err
		}
		outs = append(outs, o)
	}
	return outs, nil
}

// FileProcessor is the file stage: FileProcessCommand to MemberCommand*,
// reading each command's file through a Loader.
type FileProcessor struct {
	loader Loader
	logger log.Logger
}

func NewFileProcessor(loader Loader, logger log.Logger) *FileProcessor {
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	return &FileProcessor{loader: loader, logger: logger.WithComponent("cohort.files")}
}

// Transform is a pipeline.Transform. A missing file yields no outputs.
func (p *FileProcessor) Transform(ctx context.Context, rec queue.Record) ([]pipeline.Output, error) {
	cmd, err := DecodeFileProcessCommand(rec.Value)
	if err != nil {
		return nil, err
	}
	raw, err := p.loader.Load(ctx, cmd.FileLocation)
	if errors.Is(err, ErrResourceNotFound) {
		p.logger.Warn("cohort file not found, nothing to do",
			log.Str("customerId", cmd.CustomerID), log.Str("cohortId", cmd.CohortID),
			log.Str("fileLocation", cmd.FileLocation))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries, err := ParseEntries(raw)
	if err != nil {
		return nil, err
	}
	members, err := MemberCommands(cmd, entries)
	if err != nil {
		return nil, err
	}
	outs := make([]pipeline.Output, 0, len(members))
	for _, m := range members {
		o, err := output(m.Key(), m)
		if err != nil {
			return nil, err
		}
		outs = append(outs, o)
	}
	return outs, nil
}
