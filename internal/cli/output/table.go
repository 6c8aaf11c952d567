package output

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// Table is tabular data rendered with aligned columns.
type Table struct {
	Headers []string
	Rows    [][]string
}

// AddRow appends a row.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Render writes the table to w.
func (t *Table) Render(w io.Writer, noHeaders bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !noHeaders && len(t.Headers) > 0 {
		fmt.Fprintln(tw, strings.Join(t.Headers, "\t"))
	}
	for _, row := range t.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// TableFormatter renders data as a table. A slice becomes one row per
// element; a struct or map becomes FIELD/VALUE pairs, with nested
// structs flattened to dotted names.
type TableFormatter struct {
	// Wide adds columns for nested values to slice tables.
	Wide      bool
	NoHeaders bool
}

// Format writes data as a table. Values that cannot be tabulated are
// written as JSON.
func (f *TableFormatter) Format(w io.Writer, data any) error {
	switch t := data.(type) {
	case nil:
		return nil
	case *Table:
		return t.Render(w, f.NoHeaders)
	case Table:
		return t.Render(w, f.NoHeaders)
	}

	v := indirect(reflect.ValueOf(data))
	var table *Table
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		table = f.sliceTable(v)
	case reflect.Struct:
		table = &Table{Headers: []string{"FIELD", "VALUE"}}
		flattenStruct(table, "", v)
	case reflect.Map:
		table = &Table{Headers: []string{"KEY", "VALUE"}}
		flattenMap(table, "", v)
	case reflect.Invalid:
		return nil
	default:
		_, err := fmt.Fprintln(w, formatValue(v))
		return err
	}
	if table == nil {
		return (&JSONFormatter{}).Format(w, data)
	}
	return table.Render(w, f.NoHeaders)
}

type column struct {
	name  string
	index int
}

func (f *TableFormatter) sliceTable(v reflect.Value) *Table {
	if v.Len() == 0 {
		return &Table{}
	}
	elemType := v.Type().Elem()
	for elemType.Kind() == reflect.Pointer {
		elemType = elemType.Elem()
	}
	if elemType.Kind() != reflect.Struct {
		table := &Table{Headers: []string{"VALUE"}}
		for i := 0; i < v.Len(); i++ {
			table.AddRow(formatValue(v.Index(i)))
		}
		return table
	}

	var cols []column
	for i := 0; i < elemType.NumField(); i++ {
		field := elemType.Field(i)
		name, ok := fieldName(field)
		if !ok {
			continue
		}
		if !f.Wide && isComposite(field.Type) {
			continue
		}
		cols = append(cols, column{name: name, index: i})
	}
	if len(cols) == 0 {
		return nil
	}

	table := &Table{}
	for _, c := range cols {
		table.Headers = append(table.Headers, strings.ToUpper(c.name))
	}
	for i := 0; i < v.Len(); i++ {
		elem := indirect(v.Index(i))
		row := make([]string, len(cols))
		for j, c := range cols {
			if elem.IsValid() {
				row[j] = formatValue(elem.Field(c.index))
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}

func flattenStruct(table *Table, prefix string, v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, ok := fieldName(t.Field(i))
		if !ok {
			continue
		}
		fv := indirect(v.Field(i))
		switch {
		case fv.Kind() == reflect.Struct && isComposite(fv.Type()):
			flattenStruct(table, prefix+name+".", fv)
		case fv.Kind() == reflect.Map && fv.Len() > 0:
			flattenMap(table, prefix+name+".", fv)
		default:
			table.AddRow(prefix+name, formatValue(fv))
		}
	}
}

func flattenMap(table *Table, prefix string, v reflect.Value) {
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return formatValue(keys[i]) < formatValue(keys[j])
	})
	for _, k := range keys {
		table.AddRow(prefix+formatValue(k), formatValue(v.MapIndex(k)))
	}
}

// fieldName returns the json name of an exported field.
func fieldName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name, true
	}
	return strings.ToLower(f.Name), true
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
)

// isComposite reports whether values of t need more than one cell.
// Structs with a String method count as scalars.
func isComposite(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		return t != timeType && !t.Implements(stringerType)
	case reflect.Slice, reflect.Array, reflect.Map:
		return true
	}
	return false
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// formatValue renders one cell.
func formatValue(v reflect.Value) string {
	v = indirect(v)
	if !v.IsValid() {
		return "-"
	}
	if v.Type() == timeType {
		t := v.Interface().(time.Time)
		if t.IsZero() {
			return "-"
		}
		return t.Local().Format("2006-01-02 15:04:05")
	}

	switch v.Kind() {
	case reflect.String:
		if v.Len() == 0 {
			return "-"
		}
		return v.String()
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', 2, 64)
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "-"
		}
		if v.Len() <= 8 && !isComposite(v.Type().Elem()) {
			parts := make([]string, v.Len())
			for i := range parts {
				parts[i] = formatValue(v.Index(i))
			}
			return strings.Join(parts, ",")
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "-"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		if s, ok := v.Interface().(fmt.Stringer); ok {
			return s.String()
		}
		data, err := json.Marshal(v.Interface())
		if err != nil {
			return "?"
		}
		return string(data)
	default:
		return fmt.Sprint(v.Interface())
	}
}
