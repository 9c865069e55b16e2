package permission

// DefaultProfileName is the profile applied to newly approved accounts.
const DefaultProfileName = "operational"

var crmKeys = []string{
	"crm.overview",
	"crm.dashboard.metrics",
	"crm.dashboard.alerts",
	"crm.dashboard.performance",
	"crm.dashboard.partners",
	"crm.import",
	"crm.clients",
	"crm.partners",
	"crm.off",
	"crm.agenda",
	"rfb.base",
}

var financeKeys = []string{
	"finance.overview",
	"finance.calendar",
	"finance.accounts",
	"finance.accounts.manage",
	"finance.cost_centers",
	"finance.transactions",
}

var defaultEntries = []Entry{
	{Key: "dashboard.overview", Label: "Dashboard - Overview"},
	{Key: "automation.control", Label: "Automation - Run control"},
	{Key: "crm.overview", Label: "CRM - Panel access"},
	{Key: "crm.dashboard.metrics", Label: "CRM - Client overview"},
	{Key: "crm.dashboard.alerts", Label: "CRM - Renewal alerts"},
	{Key: "crm.dashboard.performance", Label: "CRM - Issuance performance"},
	{Key: "crm.dashboard.partners", Label: "CRM - Partner / Accountant"},
	{Key: "crm.import", Label: "CRM - Spreadsheet import"},
	{Key: "crm.clients", Label: "CRM - Client portfolio"},
	{Key: "crm.partners", Label: "CRM - Partners and accountants"},
	{Key: "crm.off", Label: "CRM - Off portfolio"},
	{Key: "crm.agenda", Label: "CRM - Operational agenda"},
	{Key: "rfb.base", Label: "RFB base - Prospecting"},
	{Key: "campaigns.email", Label: "Campaigns - Email sends"},
	{Key: "social_accounts.manage", Label: "Marketing - Social accounts"},
	{Key: "templates.library", Label: "Marketing - Template library"},
	{Key: "whatsapp.access", Label: "Conversations - WhatsApp copilot"},
	{Key: "marketing.lists", Label: "Marketing - Lists and contacts"},
	{Key: "marketing.segments", Label: "Marketing - Dynamic segments"},
	{Key: "marketing.email_accounts", Label: "Marketing - Sending accounts"},
	{Key: "finance.overview", Label: "Finance - Overview"},
	{Key: "finance.calendar", Label: "Finance - Tax calendar"},
	{Key: "finance.accounts", Label: "Finance - Accounts and entries"},
	{Key: "finance.accounts.manage", Label: "Finance - Account management"},
	{Key: "finance.cost_centers", Label: "Finance - Cost centers"},
	{Key: "finance.transactions", Label: "Finance - Manual entries"},
	{Key: "config.manage", Label: "System settings"},
	{Key: AdminKey, Label: "Administration - Access approval"},
}

// DefaultDefinition returns the back-office permission table.
func DefaultDefinition() Definition {
	allKeys := make([]string, 0, len(defaultEntries))
	for _, e := range defaultEntries {
		allKeys = append(allKeys, e.Key)
	}

	return Definition{
		Entries: append([]Entry(nil), defaultEntries...),
		Legacy: map[string][]string{
			"dashboard":       {"dashboard.overview"},
			"automation":      {"automation.control"},
			"crm":             append([]string(nil), crmKeys...),
			"campaigns":       {"campaigns.email"},
			"social_accounts": {"social_accounts.manage"},
			"templates":       {"templates.library"},
			"whatsapp":        {"whatsapp.access"},
			"marketing":       {"marketing.lists", "marketing.segments", "marketing.email_accounts"},
			"finance":         append([]string(nil), financeKeys...),
			"config":          {"config.manage"},
		},
		Implications: []Implication{
			{
				Sources: []string{
					"crm.dashboard.metrics",
					"crm.dashboard.alerts",
					"crm.dashboard.performance",
					"crm.dashboard.partners",
					"crm.import",
					"crm.clients",
					"crm.partners",
					"crm.off",
				},
				Implied: "crm.overview",
			},
			{
				Sources: []string{"marketing.lists", "marketing.segments"},
				Implied: "marketing.email_accounts",
			},
		},
		Profiles: []Profile{
			{
				Name:        "operational",
				Label:       "Operational",
				Description: "Full CRM, marketing lists and calendar.",
				Permissions: append(append(append([]string{"dashboard.overview"}, crmKeys...),
					"marketing.lists", "marketing.segments", "marketing.email_accounts",
					"campaigns.email", "social_accounts.manage", "whatsapp.access", "templates.library"),
					financeKeys...),
			},
			{
				Name:        "marketing",
				Label:       "Marketing & Content",
				Description: "Campaigns, lists and social networks.",
				Permissions: []string{
					"dashboard.overview",
					"marketing.lists",
					"marketing.segments",
					"marketing.email_accounts",
					"campaigns.email",
					"social_accounts.manage",
					"whatsapp.access",
					"templates.library",
				},
			},
			{
				Name:        "readonly",
				Label:       "Read only",
				Description: "Dashboard and CRM reports without editing.",
				Permissions: []string{
					"dashboard.overview",
					"crm.overview",
					"crm.dashboard.metrics",
					"crm.dashboard.alerts",
					"crm.dashboard.performance",
				},
			},
			{
				Name:        "admin",
				Label:       "Administrator",
				Description: "Every module and the access approval panel.",
				Permissions: allKeys,
			},
		},
		DefaultProfile: DefaultProfileName,
	}
}

// DefaultCatalog builds the back-office catalog. It panics only if the
// built-in table is inconsistent.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultDefinition())
	if err != nil {
		panic("permission: default catalog: " + err.Error())
	}
	return c
}
