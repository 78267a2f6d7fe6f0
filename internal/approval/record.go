package approval

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMalformed wraps every decode failure of the record document.
var ErrMalformed = errors.New("malformed approval record")

const (
	fence       = "---"
	paramsOpen  = "```json"
	paramsClose = "```"
)

// Encode renders r as a markdown document: a YAML header fenced by ---,
// a title line, and the parameters in a fenced json block.
func Encode(r *Request) ([]byte, error) {
	header, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding record header: %w", err)
	}
	params := r.Parameters
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding record parameters: %w", err)
	}

	var b bytes.Buffer
	b.WriteString(fence + "\n")
	b.Write(header)
	b.WriteString(fence + "\n\n")
	fmt.Fprintf(&b, "# %s -> %s\n\n", r.ActionType, r.Target)
	b.WriteString(paramsOpen + "\n")
	b.Write(body)
	b.WriteString("\n" + paramsClose + "\n")
	return b.Bytes(), nil
}

// Decode parses a document produced by Encode or written by hand in the same
// shape. Text outside the header and the json block is ignored.
func Decode(data []byte) (*Request, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	if strings.TrimSpace(sc.Text()) != fence {
		return nil, fmt.Errorf("%w: missing header (document must start with ---)", ErrMalformed)
	}

	var headerLines []string
	closed := false
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == fence {
			closed = true
			break
		}
		headerLines = append(headerLines, line)
	}
	if !closed {
		return nil, fmt.Errorf("%w: unclosed header (missing closing ---)", ErrMalformed)
	}

	var r Request
	if err := yaml.Unmarshal([]byte(strings.Join(headerLines, "\n")), &r); err != nil {
		return nil, fmt.Errorf("%w: parsing header: %v", ErrMalformed, err)
	}

	var (
		inBlock bool
		found   bool
		block   []string
	)
	for sc.Scan() {
		trimmed := strings.TrimSpace(sc.Text())
		switch {
		case !inBlock && !found && trimmed == paramsOpen:
			inBlock = true
		case inBlock && trimmed == paramsClose:
			inBlock = false
			found = true
		case inBlock:
			block = append(block, sc.Text())
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	if inBlock {
		return nil, fmt.Errorf("%w: unclosed parameters block", ErrMalformed)
	}
	if found {
		if err := json.Unmarshal([]byte(strings.Join(block, "\n")), &r.Parameters); err != nil {
			return nil, fmt.Errorf("%w: parsing parameters: %v", ErrMalformed, err)
		}
	}
	return &r, nil
}
