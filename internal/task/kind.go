package task

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"
)

// Kind is the category of a recurring job.
type Kind string

const (
	OrganizeFiles Kind = "OrganizeFiles"
	DeleteFiles   Kind = "DeleteFiles"
	SendEmail     Kind = "SendEmail"
	FetchRate     Kind = "FetchRate"
	ConvertFile   Kind = "ConvertFile"
	CompressFiles Kind = "CompressFiles"
)

// requiredParams lists the parameter keys each kind must be given.
// Every Kind must have an entry, even when it requires nothing.
var requiredParams = map[Kind][]string{
	OrganizeFiles: {"directory"},
	DeleteFiles:   {"directory", "age_days", "formats"},
	SendEmail:     {"recipient_email", "subject", "message"},
	FetchRate:     {},
	ConvertFile:   {"input_dir", "output_dir", "input_format", "output_format"},
	CompressFiles: {"directory", "output_path", "compression_format"},
}

// legacy snake_case names that don't map 1:1 onto a Kind.
var kindAliases = map[string]Kind{
	"get_gold_rate": FetchRate,
	"gold_rate":     FetchRate,
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{OrganizeFiles, DeleteFiles, SendEmail, FetchRate, ConvertFile, CompressFiles}
}

func (k Kind) String() string { return string(k) }

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := requiredParams[k]
	return ok
}

// RequiredParams returns the required parameter keys for k, sorted.
func (k Kind) RequiredParams() ([]string, error) {
	keys, ok := requiredParams[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskKind, string(k))
	}
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out, nil
}

// ParseKind accepts the canonical kind name ("DeleteFiles") as well as the
// snake_case form used by older task files and CLIs ("delete_files").
func ParseKind(raw string) (Kind, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: kind required", ErrValidation)
	}
	if k, ok := kindAliases[strings.ToLower(s)]; ok {
		return k, nil
	}
	k := Kind(strcase.ToCamel(s))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskKind, raw)
	}
	return k, nil
}
