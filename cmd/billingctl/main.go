// billingctl is the operator CLI for ql-billing.
//
// Usage:
//
//	# Validate a BSS export
//	billingctl validate bills.json
//
//	# Daily costs and March totals by product
//	billingctl calc bills.json --start 2024-03-01 --end 2024-03-31 --group-by product
//
//	# Reconcile a BSS export against the MySQL bill store
//	billingctl reconcile bills.json --group-by product
//
//	# Budget status and anomaly history
//	billingctl budget status 6f1c2a9e-0a53-4d0b-9a63-2a3f5c1d7e11
//	billingctl anomaly detect --account 1234567890 --date 2024-03-10
//	billingctl anomaly list --account 1234567890 --severity high,critical
//
//	# Create or upgrade the ledger schema
//	billingctl migrate
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		os.Exit(1)
	}
}
