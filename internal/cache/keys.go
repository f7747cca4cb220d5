package cache

const (
	KeyProducts       = "products"
	KeyCustomers      = "customers"
	KeyCredits        = "credits"
	KeySales          = "sales"
	KeyReturns        = "returns"
	KeyStores         = "stores"
	KeySelectedStore  = "selected_store"
	KeyCashSession    = "cash_session"
	KeyCashSessionOps = "cash_session_ops"
	KeyCashReports    = "cash_reports"
	KeyCashReportOps  = "cash_report_ops"
	KeyCart           = "cart"
	KeyPendingSales   = "pending_sales"
	KeyErrorLog       = "error_log"
)
