package main

import (
	"fmt"

	"github.com/caffeineduck/pywb/pypi"
	"github.com/spf13/cobra"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage Python packages for sandboxed code",
	Long: `Install and manage Python packages that can be imported by project code.

Packages are downloaded directly from the package index (no pip required).
Only pure Python wheels are supported; packages with C extensions won't work.

Packages listed in a project's requirements.txt are installed automatically
before each run; these commands manage the same package directory by hand.`,
}

var depsInstallCmd = &cobra.Command{
	Use:   "install [packages...]",
	Short: "Install packages from PyPI",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsInstall,
}

var depsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	Args:  cobra.NoArgs,
	RunE:  runDepsList,
}

var depsRemoveCmd = &cobra.Command{
	Use:   "remove [packages...]",
	Short: "Remove packages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsRemove,
}

var depsCacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache management commands",
}

var depsCacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the wheel download cache",
	Args:  cobra.NoArgs,
	RunE:  runDepsCacheClear,
}

func init() {
	depsCacheCmd.AddCommand(depsCacheClearCmd)
	depsCmd.AddCommand(depsInstallCmd, depsListCmd, depsRemoveCmd, depsCacheCmd)
	rootCmd.AddCommand(depsCmd)
}

func depsInstaller(cmd *cobra.Command) (*pypi.Installer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newInstaller(cfg, nil), nil
}

func runDepsInstall(cmd *cobra.Command, args []string) error {
	installer, err := depsInstaller(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, spec := range args {
		fmt.Fprintf(out, "Installing %s...\n", spec)
		pkg, err := installer.Install(cmd.Context(), spec)
		if err != nil {
			return fmt.Errorf("installing %s: %w", spec, err)
		}
		fmt.Fprintf(out, "  Installed %s %s\n", pkg.Name, pkg.Version)
	}
	fmt.Fprintln(out, "Done.")
	return nil
}

func runDepsList(cmd *cobra.Command, args []string) error {
	installer, err := depsInstaller(cmd)
	if err != nil {
		return err
	}

	names, err := installer.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "No packages installed.")
		return nil
	}
	fmt.Fprintf(out, "Packages in %s:\n", installer.Dir())
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return nil
}

func runDepsRemove(cmd *cobra.Command, args []string) error {
	installer, err := depsInstaller(cmd)
	if err != nil {
		return err
	}

	for _, name := range args {
		if err := installer.Remove(name); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
	}
	return nil
}

func runDepsCacheClear(cmd *cobra.Command, args []string) error {
	installer, err := depsInstaller(cmd)
	if err != nil {
		return err
	}
	if err := installer.ClearCache(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
	return nil
}
