package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chatmrpt/convoy/internal/discover"
	"github.com/chatmrpt/convoy/internal/inventory"
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Inspect and bootstrap the environment inventory",
}

var inventoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments, or the resolved targets of one",
	Long: `List prints the environments the inventory knows. With --env it
resolves one environment the way a deployment would, showing each target
with every merged connection detail.`,
	RunE: runInventoryList,
}

var inventoryValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the inventory file for errors",
	RunE:  runInventoryValidate,
}

var inventoryDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan a CIDR for SSH hosts and print inventory stanzas",
	Long: `Discover TCP-scans a CIDR range for hosts with an open SSH port and
prints them as a YAML target list, ready to paste into an environment.

Examples:
  convoy inventory discover --cidr 10.0.4.0/24
  convoy inventory discover --cidr 192.168.1.0/28 --port 2222 >> targets.yaml`,
	RunE: runInventoryDiscover,
}

var inventoryInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter inventory file",
	RunE:  runInventoryInit,
}

func init() {
	inventoryListCmd.Flags().StringP("env", "e", "", "resolve and list one environment's targets")

	inventoryDiscoverCmd.Flags().String("cidr", "", "CIDR range to scan (required)")
	inventoryDiscoverCmd.Flags().Int("port", 22, "TCP port to probe")
	inventoryDiscoverCmd.Flags().Int("scan-concurrency", 64, "parallel connection attempts")
	inventoryDiscoverCmd.Flags().Duration("probe-timeout", 2*time.Second, "per-host connect timeout")
	_ = inventoryDiscoverCmd.MarkFlagRequired("cidr")

	inventoryInitCmd.Flags().Bool("force", false, "overwrite an existing inventory file")

	inventoryCmd.AddCommand(inventoryListCmd)
	inventoryCmd.AddCommand(inventoryValidateCmd)
	inventoryCmd.AddCommand(inventoryDiscoverCmd)
	inventoryCmd.AddCommand(inventoryInitCmd)
	rootCmd.AddCommand(inventoryCmd)
}

func runInventoryList(cmd *cobra.Command, args []string) error {
	envName, _ := cmd.Flags().GetString("env")

	cfg, err := loadInventory(cmd)
	if err != nil {
		return err
	}

	if envName == "" {
		if len(cfg.Environments) == 0 {
			fmt.Println("inventory has no environments (run 'convoy inventory init' for a starter file)")
			return nil
		}
		names := make([]string, 0, len(cfg.Environments))
		for name := range cfg.Environments {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ENVIRONMENT\tSERVICE\tTARGETS\tSUDO\tAGGREGATE")
		for _, name := range names {
			env := cfg.Environments[name]
			sudo := "-"
			if env.Become {
				sudo = "yes"
			}
			aggregate := env.HealthURL
			if aggregate == "" {
				aggregate = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", name, env.Service, len(env.Targets), sudo, aggregate)
		}
		return w.Flush()
	}

	fleet, err := cfg.Resolve(envName)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tADDRESS\tUSER\tREMOTE ROOT\tVIA\tHEALTH")
	for _, t := range fleet.Targets {
		via := t.Via
		if via == "" {
			via = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.Name, t.Addr(), t.User, t.RemoteRoot, via, t.HealthURL)
	}
	return w.Flush()
}

func runInventoryValidate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = inventory.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("inventory file %s: %w", path, err)
	}

	cfg, err := inventory.Load(path)
	if err != nil {
		return err
	}

	targets := 0
	for _, env := range cfg.Environments {
		targets += len(env.Targets)
	}
	fmt.Printf("%s: valid (%d %s, %d %s)\n",
		path,
		len(cfg.Environments), pluralEnvironments(len(cfg.Environments)),
		targets, pluralTargets(targets))
	return nil
}

func runInventoryDiscover(cmd *cobra.Command, args []string) error {
	cidr, _ := cmd.Flags().GetString("cidr")
	port, _ := cmd.Flags().GetInt("port")
	concurrency, _ := cmd.Flags().GetInt("scan-concurrency")
	probeTimeout, _ := cmd.Flags().GetDuration("probe-timeout")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hosts, err := discover.CIDRScan(ctx, cidr, port, concurrency, probeTimeout)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		fmt.Fprintf(os.Stderr, "no hosts answering on port %d in %s\n", port, cidr)
		return nil
	}

	specs := make([]inventory.TargetSpec, len(hosts))
	for i, h := range hosts {
		specs[i] = inventory.TargetSpec{Address: h.Address}
		if h.Port != 22 {
			specs[i].Port = h.Port
		}
	}

	data, err := yaml.Marshal(map[string][]inventory.TargetSpec{"targets": specs})
	if err != nil {
		return fmt.Errorf("encoding targets: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%d %s found in %s:\n", len(hosts), pluralTargets(len(hosts)), cidr)
	for _, h := range hosts {
		if h.Banner != "" {
			fmt.Fprintf(os.Stderr, "  %s:%d  %s\n", h.Address, h.Port, h.Banner)
		} else {
			fmt.Fprintf(os.Stderr, "  %s:%d\n", h.Address, h.Port)
		}
	}
	fmt.Print(string(data))
	return nil
}

// starterInventory is what `inventory init` writes: a commented example an
// operator edits down, rather than an empty skeleton.
const starterInventory = `# convoy inventory
#
# Each environment names the service to restart and the targets that run it.
# Connection details missing from a target fall back to the environment,
# then to defaults, then to ~/.ssh/config.

defaults:
  user: deploy
  concurrency: 4
  command_timeout: 60s
  transfer_timeout: 5m
  health:
    path: /ping
    port: 80
    attempts: 5
    initial_delay: 1s
    max_delay: 30s

environments:
  staging:
    service: myapp
    remote_root: /srv/myapp
    targets:
      - address: staging-1.internal
      - address: staging-2.internal

  production:
    service: myapp
    remote_root: /srv/myapp
    become: true
    cache_paths: ["__pycache__"]
    health_url: https://myapp.example.com/ping
    targets:
      - address: prod-1.internal
      - address: prod-2.internal
        via: ops@bastion.example.com
`

func runInventoryInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = inventory.DefaultConfigPath()
	}
	if path == "" {
		return fmt.Errorf("cannot determine config path (no home directory); pass --config")
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterInventory), 0600); err != nil {
		return fmt.Errorf("writing inventory: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	return nil
}

func pluralEnvironments(n int) string {
	if n == 1 {
		return "environment"
	}
	return "environments"
}
