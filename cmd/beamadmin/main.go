// beamadmin is the interactive administration client for the service
// locator.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/beamworks/beam/network"
	"github.com/beamworks/beam/routines"
	"github.com/beamworks/beam/servicelocator"
)

type config struct {
	Addresses []network.IpAddress `yaml:"addresses"`
	Username  string              `yaml:"username"`
	Password  string              `yaml:"password"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if len(cfg.Addresses) == 0 {
		return cfg, errors.New("config names no addresses")
	}
	return cfg, nil
}

// repl drives the admin command loop against an open client.
type repl struct {
	client  servicelocator.Locator
	current servicelocator.DirectoryEntry
}

// loadAccount resolves "name" or "@id" to an account entry.
func (r *repl) loadAccount(name string) (servicelocator.DirectoryEntry, error) {
	if name == "" {
		return servicelocator.DirectoryEntry{}, errors.New("no name specified")
	}
	if name[0] == '@' {
		id, err := strconv.ParseUint(name[1:], 10, 32)
		if err != nil {
			return servicelocator.DirectoryEntry{}, fmt.Errorf("bad id %q", name)
		}
		return r.client.LoadDirectoryEntryByID(uint32(id))
	}
	account, found, err := r.client.FindAccount(name)
	if err != nil {
		return servicelocator.DirectoryEntry{}, err
	}
	if !found {
		return servicelocator.DirectoryEntry{}, errors.New("account not found")
	}
	return account, nil
}

// loadPath resolves "/x" (root-relative), "@id" or a path relative to
// the current directory.
func (r *repl) loadPath(path string) (servicelocator.DirectoryEntry, error) {
	if path == "" {
		return servicelocator.DirectoryEntry{}, errors.New("no path specified")
	}
	switch path[0] {
	case '/':
		return r.client.LoadDirectoryEntry(servicelocator.StarDirectory(), path[1:])
	case '@':
		id, err := strconv.ParseUint(path[1:], 10, 32)
		if err != nil {
			return servicelocator.DirectoryEntry{}, fmt.Errorf("bad id %q", path)
		}
		return r.client.LoadDirectoryEntryByID(uint32(id))
	default:
		return r.client.LoadDirectoryEntry(r.current, path)
	}
}

func (r *repl) execute(tokens []string) (quit bool, err error) {
	arg := func(i int) string {
		if i < len(tokens) {
			return tokens[i]
		}
		return ""
	}
	switch tokens[0] {
	case "mkacc":
		_, err = r.client.MakeAccount(arg(1), arg(2), r.current)
	case "password":
		var source servicelocator.DirectoryEntry
		source, err = r.loadPath(arg(1))
		if err == nil {
			if source.Type != servicelocator.EntryAccount {
				return false, errors.New("not an account")
			}
			err = r.client.StorePassword(source, arg(2))
		}
	case "mkdir":
		_, err = r.client.MakeDirectory(arg(1), r.current)
	case "chmod":
		var source, target servicelocator.DirectoryEntry
		source, err = r.loadAccount(arg(1))
		if err != nil {
			return false, err
		}
		target, err = r.loadPath(arg(2))
		if err != nil {
			return false, err
		}
		var bits uint64
		bits, err = strconv.ParseUint(arg(3), 10, 32)
		if err != nil {
			return false, fmt.Errorf("bad permission bits %q", arg(3))
		}
		err = r.client.StorePermissions(source, target, servicelocator.Permissions(bits))
	case "associate":
		var entry servicelocator.DirectoryEntry
		entry, err = r.loadAccount(arg(1))
		if err == nil {
			err = r.client.Associate(entry, r.current)
		}
	case "detach":
		var child servicelocator.DirectoryEntry
		child, err = r.loadPath(arg(1))
		if err == nil {
			err = r.client.Detach(child, r.current)
		}
	case "cd":
		var next servicelocator.DirectoryEntry
		next, err = r.loadPath(arg(1))
		if err == nil {
			if next.Type != servicelocator.EntryDirectory {
				return false, errors.New("not a directory")
			}
			r.current = next
		}
	case "lch":
		var children []servicelocator.DirectoryEntry
		children, err = r.client.LoadChildren(r.current)
		for _, child := range children {
			kind := ""
			if child.Type == servicelocator.EntryDirectory {
				kind = "<DIR>"
			}
			fmt.Printf("\t%s\t%d\t%s\n", kind, child.ID, child.Name)
		}
	case "lpr":
		var parents []servicelocator.DirectoryEntry
		parents, err = r.client.LoadParents(r.current)
		for _, parent := range parents {
			fmt.Printf("\t%d\t%s\n", parent.ID, parent.Name)
		}
	case "del":
		var entry servicelocator.DirectoryEntry
		entry, err = r.loadPath(arg(1))
		if err == nil {
			err = r.client.Delete(entry)
		}
	case "locate":
		var entries []servicelocator.ServiceEntry
		entries, err = r.client.Locate(arg(1))
		for _, entry := range entries {
			fmt.Printf("\t%d\t%s\t%s\n", entry.ID, entry.Name, entry.Account.Name)
		}
	case "exit":
		return true, nil
	case "":
	default:
		err = fmt.Errorf("unknown command %q", tokens[0])
	}
	return false, err
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client := servicelocator.NewClient(
		servicelocator.DialBuilder(cfg.Addresses, 30*time.Second))
	client.SetCredentials(cfg.Username, cfg.Password)
	if err := client.Open(); err != nil {
		return err
	}
	defer client.Close()

	account := client.GetAccount()
	parents, err := client.LoadParents(account)
	if err != nil || len(parents) == 0 {
		return errors.New("unable to load home directory")
	}
	r := &repl{client: client, current: parents[0]}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(">>> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		tokens := strings.Fields(scanner.Text())
		if len(tokens) == 0 {
			continue
		}
		quit, err := r.execute(tokens)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		if quit {
			return nil
		}
	}
}

func main() {
	var configPath string
	root := &cobra.Command{
		Use:          "beamadmin",
		Short:        "Administer a Beam service locator",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			defer routines.Default().Stop()
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "admin.yml", "path to the YAML configuration")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}
