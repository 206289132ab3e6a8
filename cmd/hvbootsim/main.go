// Command hvbootsim runs the hvboot firmware application against simulated
// UEFI firmware on the host.
package main

import (
	"k8s.io/klog/v2"
)

func main() {
	if err := Parse(); err != nil {
		klog.Exit(err)
	}
}
