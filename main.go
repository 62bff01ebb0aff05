package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/hashicorp/hcl"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"heapdb/heapdb"
)

var (
	configFile = "heapdb.hcl"
	noConfig   = false

	dataDir     = "."
	bufferPages = heapdb.DefaultPages
	pageSize    = heapdb.PageSize

	logFile   = "heapdb.log"
	logLevel  = "info"
	logStderr = false
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	pflag.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	pflag.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")
	pflag.StringVar(&dataDir, "data-dir", dataDir, "`directory` holding catalog.txt and table files")
	pflag.IntVar(&bufferPages, "buffer-pages", bufferPages, "buffer pool capacity in pages")
	pflag.IntVar(&pageSize, "page-size", pageSize, "page size in bytes")
	pflag.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	pflag.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	pflag.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")
}

// loadConfig overlays values from the HCL config file onto flags the user did
// not set explicitly.
func loadConfig() error {
	b, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cfg := map[string]interface{}{}
	if err := hcl.Decode(&cfg, string(b)); err != nil {
		return fmt.Errorf("%s: %s", configFile, err)
	}
	set := map[string]struct{}{}
	pflag.Visit(func(flg *pflag.Flag) {
		set[flg.Name] = struct{}{}
	})
	for key, val := range cfg {
		if _, used := set[key]; used {
			continue
		}
		flg := pflag.Lookup(key)
		if flg == nil {
			return fmt.Errorf("%s: unknown config key %s", configFile, key)
		}
		if err := flg.Value.Set(fmt.Sprintf("%v", val)); err != nil {
			return fmt.Errorf("%s: %s: %s", configFile, key, err)
		}
	}
	return nil
}

func setupLogging() (io.Closer, error) {
	lvl, err := log.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	if logStderr || logFile == "" {
		return nil, nil
	}
	w, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	log.SetOutput(w)
	return w, nil
}

func printResult(w io.Writer, desc *heapdb.TupleDesc, tuples []*heapdb.Tuple) {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	var header []string
	for _, f := range desc.Fields {
		header = append(header, f.Fname)
	}
	tw.SetHeader(header)
	for _, t := range tuples {
		row := make([]string, len(t.Fields))
		for i := range t.Fields {
			row[i] = t.StringValue(i)
		}
		tw.Append(row)
	}
	tw.Render()
	fmt.Fprintf(w, "%d rows\n", len(tuples))
}

func loadCSV(engine *heapdb.Engine, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf(`usage: \load <table> <csv-file>`)
	}
	file, err := engine.Catalog().GetTableFile(args[0])
	if err != nil {
		return err
	}
	hf, ok := file.(*heapdb.HeapFile)
	if !ok {
		return fmt.Errorf("table %s is not a heap file", args[0])
	}
	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()
	return hf.LoadFromCSV(f, true, ",", false)
}

func repl(engine *heapdb.Engine) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "heapdb> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".heapdb_history"),
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
		if line == "" {
			continue
		}
		switch {
		case line == `\q` || line == "exit" || line == "quit":
			return nil
		case line == `\d`:
			for _, name := range engine.Catalog().TableNames() {
				fmt.Println(name)
			}
		case strings.HasPrefix(line, `\load`):
			if err := loadCSV(engine, strings.Fields(line)[1:]); err != nil {
				fmt.Println(err)
			}
		default:
			desc, tuples, err := engine.RunStatement(line)
			if err != nil {
				fmt.Println(err)
				continue
			}
			printResult(os.Stdout, desc, tuples)
		}
	}
}

func main() {
	pflag.Parse()
	if !noConfig {
		if err := loadConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "heapdb: %s\n", err)
			os.Exit(1)
		}
	}
	closer, err := setupLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "heapdb: %s\n", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}

	heapdb.PageSize = pageSize
	engine := heapdb.NewEngine(bufferPages)
	catalogPath := filepath.Join(dataDir, "catalog.txt")
	if _, err := os.Stat(catalogPath); err == nil {
		if err := engine.Catalog().LoadSchema(catalogPath); err != nil {
			fmt.Fprintf(os.Stderr, "heapdb: %s\n", err)
			os.Exit(1)
		}
	} else {
		log.WithFields(log.Fields{"catalog": catalogPath}).Warn("no catalog file; starting with an empty catalog")
	}

	if err := repl(engine); err != nil {
		fmt.Fprintf(os.Stderr, "heapdb: %s\n", err)
		os.Exit(1)
	}
}
