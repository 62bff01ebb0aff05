package heapdb

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Catalog tracks the tables in the database: their names, schemas, primary
// keys, and the DBFiles that store them.
type Catalog struct {
	mu      sync.Mutex
	bufPool *BufferPool
	tables  map[int]*catalogTable
	names   map[string]int
}

type catalogTable struct {
	file      DBFile
	name      string
	pkeyField string
}

func NewCatalog(bp *BufferPool) *Catalog {
	return &Catalog{
		bufPool: bp,
		tables:  make(map[int]*catalogTable),
		names:   make(map[string]int),
	}
}

// AddTable registers a table under the given name.  pkeyField names the
// primary key column and may be empty.
func (c *Catalog) AddTable(file DBFile, name string, pkeyField string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.names[name]; ok {
		return HeapDBError{DuplicateTableError, fmt.Sprintf("table %s already exists", name)}
	}
	c.tables[file.TableID()] = &catalogTable{file: file, name: name, pkeyField: pkeyField}
	c.names[name] = file.TableID()
	return nil
}

// GetTableID returns the id of the named table.
func (c *Catalog) GetTableID(name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.names[name]
	if !ok {
		return 0, HeapDBError{NoSuchTableError, fmt.Sprintf("no table named %s", name)}
	}
	return id, nil
}

// GetDBFile returns the file backing the table with the given id.
func (c *Catalog) GetDBFile(tableID int) (DBFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[tableID]
	if !ok {
		return nil, HeapDBError{NoSuchTableError, fmt.Sprintf("no table with id %d", tableID)}
	}
	return t.file, nil
}

// GetTableFile returns the file backing the named table.
func (c *Catalog) GetTableFile(name string) (DBFile, error) {
	id, err := c.GetTableID(name)
	if err != nil {
		return nil, err
	}
	return c.GetDBFile(id)
}

// PrimaryKey returns the primary key column of the table, or "" if it has
// none.
func (c *Catalog) PrimaryKey(tableID int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[tableID]
	if !ok {
		return "", HeapDBError{NoSuchTableError, fmt.Sprintf("no table with id %d", tableID)}
	}
	return t.pkeyField, nil
}

// TableNames returns the registered table names, sorted.
func (c *Catalog) TableNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.names))
	for name := range c.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseCatalogLine parses one catalog entry of the form
//
//	name(field type [pk], field type, ...)
//
// where type is "int" or "string" and the optional trailing "pk" marks the
// primary key.
func parseCatalogLine(line string) (name string, td *TupleDesc, pkey string, err error) {
	open := strings.Index(line, "(")
	closing := strings.LastIndex(line, ")")
	if open < 1 || closing < open {
		return "", nil, "", HeapDBError{ParseError, fmt.Sprintf("malformed catalog line: %s", line)}
	}
	name = strings.TrimSpace(line[:open])
	td = &TupleDesc{}
	for _, col := range strings.Split(line[open+1:closing], ",") {
		tokens := strings.Fields(col)
		if len(tokens) < 2 || len(tokens) > 3 {
			return "", nil, "", HeapDBError{ParseError, fmt.Sprintf("malformed column in catalog line: %s", col)}
		}
		var ftype DBType
		switch strings.ToLower(tokens[1]) {
		case "int":
			ftype = IntType
		case "string":
			ftype = StringType
		default:
			return "", nil, "", HeapDBError{ParseError, fmt.Sprintf("unknown column type %s in table %s", tokens[1], name)}
		}
		if len(tokens) == 3 {
			if strings.ToLower(tokens[2]) != "pk" {
				return "", nil, "", HeapDBError{ParseError, fmt.Sprintf("unknown column annotation %s in table %s", tokens[2], name)}
			}
			pkey = tokens[0]
		}
		td.Fields = append(td.Fields, FieldType{Fname: tokens[0], TableQualifier: name, Ftype: ftype})
	}
	if len(td.Fields) == 0 {
		return "", nil, "", HeapDBError{ParseError, fmt.Sprintf("table %s has no columns", name)}
	}
	return name, td, pkey, nil
}

// LoadSchema reads a catalog file, one table definition per line, and
// registers a heap file per table.  Data files are named <table>.dat and live
// in the catalog file's directory.
func (c *Catalog) LoadSchema(catalogFile string) error {
	f, err := os.Open(catalogFile)
	if err != nil {
		return HeapDBError{IOError, fmt.Sprintf("failed to open catalog %s: %v", catalogFile, err)}
	}
	defer f.Close()
	dir := filepath.Dir(catalogFile)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, td, pkey, err := parseCatalogLine(line)
		if err != nil {
			return err
		}
		hf, err := NewHeapFile(filepath.Join(dir, name+".dat"), td, c.bufPool)
		if err != nil {
			return err
		}
		if err := c.AddTable(hf, name, pkey); err != nil {
			return err
		}
		log.WithFields(log.Fields{"table": name, "columns": len(td.Fields), "pk": pkey}).Info("catalog table loaded")
	}
	return scanner.Err()
}
