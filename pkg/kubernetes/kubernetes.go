// Package kubernetes builds cluster clients from a kubeconfig and provides
// the idempotent create-or-keep helpers add-on installers share.
package kubernetes
