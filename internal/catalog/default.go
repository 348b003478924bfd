package catalog

// Schema versions of the built-in catalog.
const (
	SchemaVersion        = 3
	MinCompatibleVersion = 2
)

// Names of the built-in entity types.
const (
	TenantSetting = "tenant_setting"
	Tag           = "tag"
	Project       = "project"
	KnowledgeItem = "knowledge_item"
	InventoryItem = "inventory_item"
	BotChannel    = "bot_channel"
)

var defaultCatalog = MustNew(SchemaVersion, MinCompatibleVersion, DefaultEntityTypes()...)

// Default returns the platform catalog. It is built at package init, so a
// broken declaration stops the process before any operation runs.
func Default() *Catalog { return defaultCatalog }

// DefaultEntityTypes declares every exportable entity type of the platform.
// Conflict keys are the stable external codes shared across environments;
// internal ids are never part of a key.
func DefaultEntityTypes() []EntityType {
	return []EntityType{
		{
			Name:  TenantSetting,
			Table: "tenant_settings",
			Fields: []Field{
				{Name: "name", Kind: KindString, Required: true},
				{Name: "feature_flags", Kind: KindFlags},
				{Name: "preferences", Kind: KindObject, Fields: []Field{
					{Name: "locale", Kind: KindString},
					{Name: "timezone", Kind: KindString},
					{Name: "reply_language", Kind: KindString},
					{Name: "max_context_items", Kind: KindInt},
				}},
				{Name: "updated_at", Kind: KindTime},
			},
			NaturalKey:  []string{"name"},
			ConflictKey: []string{"name"},
		},
		{
			Name:  Tag,
			Table: "tags",
			Fields: []Field{
				{Name: "name", Kind: KindString, Required: true},
				{Name: "title", Kind: KindString, Required: true},
				{Name: "color", Kind: KindString},
			},
			NaturalKey:  []string{"name"},
			ConflictKey: []string{"name"},
		},
		{
			Name:  Project,
			Table: "projects",
			Fields: []Field{
				{Name: "code", Kind: KindString, Required: true},
				{Name: "name", Kind: KindString, Required: true},
				{Name: "description", Kind: KindString},
				{Name: "archived", Kind: KindBool},
				{Name: "created_at", Kind: KindTime},
			},
			References: []Reference{
				// project <-> knowledge_item is a cycle; this edge is patched
				// after knowledge items exist.
				{Column: "featured_item_id", Target: KnowledgeItem, Optional: true, Deferred: true},
				{Column: "tag_id", Target: Tag, Optional: true},
			},
			NaturalKey:  []string{"code"},
			ConflictKey: []string{"code"},
		},
		{
			Name:  KnowledgeItem,
			Table: "knowledge_items",
			Fields: []Field{
				{Name: "external_code", Kind: KindString, Required: true},
				{Name: "title", Kind: KindString, Required: true},
				{Name: "body", Kind: KindString},
				{Name: "position", Kind: KindInt},
				{Name: "metadata", Kind: KindObject, Fields: []Field{
					{Name: "source", Kind: KindString},
					{Name: "language", Kind: KindString},
					{Name: "confidence", Kind: KindFloat},
				}},
			},
			References: []Reference{
				{Column: "project_id", Target: Project},
				{Column: "tag_id", Target: Tag, Optional: true},
			},
			NaturalKey:  []string{"external_code"},
			ConflictKey: []string{"external_code"},
		},
		{
			Name:  InventoryItem,
			Table: "inventory_items",
			Fields: []Field{
				{Name: "sku", Kind: KindString, Required: true},
				{Name: "name", Kind: KindString, Required: true},
				{Name: "quantity", Kind: KindInt, Required: true},
				{Name: "unit_price", Kind: KindFloat},
				{Name: "active", Kind: KindBool},
			},
			References: []Reference{
				{Column: "project_id", Target: Project},
			},
			NaturalKey:  []string{"sku"},
			ConflictKey: []string{"sku"},
		},
		{
			Name:  BotChannel,
			Table: "bot_channels",
			Fields: []Field{
				{Name: "name", Kind: KindString, Required: true},
				{Name: "platform", Kind: KindString, Required: true},
				{Name: "external_id", Kind: KindString, Required: true},
				{Name: "settings", Kind: KindFlags},
			},
			References: []Reference{
				{Column: "default_project_id", Target: Project, Optional: true},
				{Column: "knowledge_item_id", Target: KnowledgeItem, Optional: true},
			},
			// Channels are referenced by name but matched by their platform
			// identity, which survives renames. Both keys are unique.
			NaturalKey:  []string{"name"},
			ConflictKey: []string{"platform", "external_id"},
		},
	}
}
