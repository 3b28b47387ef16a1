package cohort

import (
	"embed"

	"github.com/rzbill/sharepipe/internal/codec"
)

//go:embed schemas/*.json
var schemaFS embed.FS

func mustSchema(name string) *codec.Schema {
	src, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		panic(err)
	}
	return codec.MustCompile(name, src)
}

var (
	updateEventSchema   = mustSchema("UpdateEvent")
	fileCommandSchema   = mustSchema("FileProcessCommand")
	memberEntriesSchema = mustSchema("MemberEntries")
	memberCommandSchema = mustSchema("MemberCommand")
)
