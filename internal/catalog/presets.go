package catalog

// Presets are named module filters for the matrix view. The names mirror
// the product areas users think in, not the storage layout.
var Presets = map[string][]string{
	"Sales": {
		"invoices", "quotations", "deliveryNotes", "creditNotes", "customers",
		"pricelists", "pricing", "deliveryVariance", "customerCredit",
	},
	"Purchase": {
		"purchaseOrders", "suppliers", "supplierBills", "debitNotes", "supplierQuotations",
	},
	"Inventory": {
		"inventory", "warehouses", "stockMovements", "stockBatches", "batchReservations",
		"grns", "products", "materialCertificates", "pinnedProducts", "unitConversions", "cogs",
	},
	"Finance": {
		"payments", "payables", "receivables", "advancePayments", "commissions",
		"operatingExpenses", "accountStatements", "accountingPeriods", "bankReconciliation",
		"exchangeRates", "financialReports", "journalEntries", "reconciliations",
		"trn", "vatRates", "vatReturn",
	},
	"Trade": {
		"importOrders", "exportOrders", "importContainers", "customsDocuments",
		"shippingDocuments", "tradeFinance", "countries",
	},
	"Admin": {
		"users", "roles", "companySettings", "auditLogs", "auditHub", "activities",
		"analytics", "categoryPolicies", "dashboard", "documentLinks", "integrations",
		"notifications", "policySnapshots", "reports", "templates",
	},
}

// Preset returns the module list for a named preset.
func Preset(name string) ([]string, bool) {
	modules, ok := Presets[name]
	if !ok {
		return nil, false
	}
	out := make([]string, len(modules))
	copy(out, modules)
	return out, true
}
