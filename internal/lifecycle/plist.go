package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// VM packages carry a config.plist with far more keys than the few we
// rewrite. Everything is decoded into generic dictionaries so unknown keys
// survive the round trip untouched.

// readPlist loads a property list file into a generic dictionary and
// remembers its on-disk format.
func readPlist(path string) (map[string]any, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var dict map[string]any
	format, err := plist.Unmarshal(data, &dict)
	if err != nil {
		return nil, 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return dict, format, nil
}

// writePlist writes a dictionary back in the format it was read in.
func writePlist(path string, dict map[string]any, format int) error {
	data, err := plist.MarshalIndent(dict, format, "\t")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// plistInt coerces the numeric types the plist decoder produces.
func plistInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// rewriteVMConfig adapts a cloned VM package configuration to a session:
// the package is renamed, SSH access is wired up, and the shared directory
// list is replaced with the session's mounts. Apple-virtualization VMs get
// bridged networking (port forwarding is unsupported there) and report
// their MAC address so the boot phase can find the guest IP in the ARP
// table; QEMU VMs get a guest-port-22 forward on the allocated host port.
func rewriteVMConfig(dict map[string]any, vmName string, sshPort int, mounts []VolumeMount) (mac string, shares []Share, err error) {
	dict["Name"] = vmName
	info, ok := dict["Information"].(map[string]any)
	if !ok {
		info = map[string]any{}
		dict["Information"] = info
	}
	info["Name"] = vmName

	if backend, _ := dict["Backend"].(string); backend == "Apple" {
		mac, err = bridgeAppleNetwork(dict)
		if err != nil {
			return "", nil, err
		}
	} else {
		forwardGuestSSH(dict, sshPort)
	}

	return mac, setSharedDirectories(dict, mounts), nil
}

// bridgeAppleNetwork forces the first network interface of an Apple VM to
// bridged mode and returns its MAC address.
func bridgeAppleNetwork(dict map[string]any) (string, error) {
	networks, _ := dict["Network"].([]any)
	if len(networks) == 0 {
		networks = []any{map[string]any{"Mode": "Bridged"}}
		dict["Network"] = networks
	}
	iface, ok := networks[0].(map[string]any)
	if !ok {
		return "", fmt.Errorf("malformed network interface in VM configuration")
	}
	iface["Mode"] = "Bridged"
	delete(iface, "PortForward")
	mac, _ := iface["MacAddress"].(string)
	return mac, nil
}

// forwardGuestSSH puts a QEMU VM on shared networking and maps guest port
// 22 to the allocated host port, replacing any SSH forward the template
// carried.
func forwardGuestSSH(dict map[string]any, sshPort int) {
	qemu, ok := dict["Qemu"].(map[string]any)
	if !ok {
		qemu = map[string]any{}
		dict["Qemu"] = qemu
	}
	network, ok := qemu["Network"].(map[string]any)
	if !ok {
		network = map[string]any{}
		qemu["Network"] = network
	}
	network["Mode"] = "Shared"

	var rules []any
	if existing, ok := network["PortForward"].([]any); ok {
		for _, raw := range existing {
			if rule, ok := raw.(map[string]any); ok && plistInt(rule["GuestPort"]) == 22 {
				continue
			}
			rules = append(rules, raw)
		}
	}
	rules = append(rules, map[string]any{
		"Protocol":     "tcp",
		"GuestAddress": "0.0.0.0",
		"GuestPort":    22,
		"HostAddress":  "127.0.0.1",
		"HostPort":     sshPort,
	})
	network["PortForward"] = rules
}

// setSharedDirectories replaces the VM's share list with the session mounts
// and returns the tag-to-mount-point mapping the boot phase uses to mount
// each share inside the guest.
func setSharedDirectories(dict map[string]any, mounts []VolumeMount) []Share {
	dirs := make([]any, 0, len(mounts))
	shares := make([]Share, 0, len(mounts))
	for i, m := range mounts {
		tag := fmt.Sprintf("share-%d", i)
		dirs = append(dirs, map[string]any{
			"DirectoryURL": "file://" + m.Host,
			"ReadOnly":     m.ReadOnly,
			"Name":         tag,
		})
		shares = append(shares, Share{Tag: tag, Source: m.Host, Guest: m.Guest, ReadOnly: m.ReadOnly})
	}
	dict["SharedDirectories"] = dirs
	return shares
}

// portForwardRules extracts the QEMU port-forward rule list, if any.
func portForwardRules(dict map[string]any) []map[string]any {
	qemu, ok := dict["Qemu"].(map[string]any)
	if !ok {
		return nil
	}
	network, ok := qemu["Network"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := network["PortForward"].([]any)
	if !ok {
		return nil
	}
	rules := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if rule, ok := r.(map[string]any); ok {
			rules = append(rules, rule)
		}
	}
	return rules
}

// sshForwardPort returns the host port forwarded to guest SSH, or 0 when
// the VM has no such rule.
func sshForwardPort(dict map[string]any) int {
	for _, rule := range portForwardRules(dict) {
		if plistInt(rule["GuestPort"]) == 22 {
			return plistInt(rule["HostPort"])
		}
	}
	return 0
}

// vmForwardPorts scans every cloned VM package under dir for host ports
// claimed by port-forward rules. Unreadable packages are skipped so one
// corrupt clone cannot block allocation.
func vmForwardPorts(dir, prefix string) map[int]bool {
	used := make(map[int]bool)
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"*.utm"))
	if err != nil {
		return used
	}
	for _, vmPath := range matches {
		dict, _, err := readPlist(filepath.Join(vmPath, "config.plist"))
		if err != nil {
			continue
		}
		for _, rule := range portForwardRules(dict) {
			if port := plistInt(rule["HostPort"]); port > 0 {
				used[port] = true
			}
		}
	}
	return used
}

// vmSessionName derives the session name from a VM package path.
func vmSessionName(vmPath, prefix string) string {
	name := strings.TrimSuffix(filepath.Base(vmPath), ".utm")
	return strings.TrimPrefix(name, prefix)
}
