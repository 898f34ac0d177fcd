package roles

// Definition describes one canonical role.
type Definition struct {
	Key       string
	Label     string
	Category  string
	Required  bool
	TextField bool
}

var catalog = []Definition{
	{Key: "CHAR.HOST.LALA", Label: "Lala (Host)", Category: "CHAR", Required: true},
	{Key: "CHAR.HOST.JUSTAWOMANINHERPRIME", Label: "JustAWoman (Co-Host)", Category: "CHAR", Required: true},
	{Key: "CHAR.GUEST.1", Label: "Guest 1", Category: "CHAR"},
	{Key: "CHAR.GUEST.2", Label: "Guest 2", Category: "CHAR"},

	{Key: "UI.ICON.CLOSET", Label: "Closet Icon", Category: "UI"},
	{Key: "UI.ICON.JEWELRY_BOX", Label: "Jewelry Box Icon", Category: "UI"},
	{Key: "UI.ICON.TODO_LIST", Label: "To-Do List Icon", Category: "UI"},
	{Key: "UI.ICON.SPEECH", Label: "Speech Bubble Icon", Category: "UI"},
	{Key: "UI.ICON.LOCATION", Label: "Location Pin Icon", Category: "UI"},
	{Key: "UI.ICON.PERFUME", Label: "Perfume Bottle Icon", Category: "UI"},
	{Key: "UI.ICON.POSE", Label: "Pose Icon", Category: "UI"},
	{Key: "UI.ICON.HOLDER.MAIN", Label: "Icon Holder", Category: "UI"},
	{Key: "UI.MOUSE.CURSOR", Label: "Mouse Cursor", Category: "UI"},
	{Key: "UI.BUTTON.EXIT", Label: "Exit Button", Category: "UI"},
	{Key: "UI.BUTTON.MINIMIZE", Label: "Minimize Button", Category: "UI"},

	{Key: "BRAND.SHOW.TITLE_GRAPHIC", Label: "Show Title Graphic", Category: "BRAND"},
	{Key: "BG.MAIN", Label: "Background", Category: "BG"},

	{Key: "TEXT.SHOW.TITLE", Label: "Show Title", Category: "TEXT", TextField: true},
	{Key: "TEXT.CUSTOM.1", Label: "Custom Text 1", Category: "TEXT", TextField: true},
	{Key: "TEXT.CUSTOM.2", Label: "Custom Text 2", Category: "TEXT", TextField: true},
	{Key: "TEXT.CUSTOM.3", Label: "Custom Text 3", Category: "TEXT", TextField: true},

	{Key: "WARDROBE.PANEL", Label: "Wardrobe Panel", Category: "WARDROBE"},
	{Key: "WARDROBE.ITEM.1", Label: "Wardrobe Item 1", Category: "WARDROBE"},
	{Key: "WARDROBE.ITEM.2", Label: "Wardrobe Item 2", Category: "WARDROBE"},
	{Key: "WARDROBE.ITEM.3", Label: "Wardrobe Item 3", Category: "WARDROBE"},
	{Key: "WARDROBE.ITEM.4", Label: "Wardrobe Item 4", Category: "WARDROBE"},
	{Key: "WARDROBE.ITEM.5", Label: "Wardrobe Item 5", Category: "WARDROBE"},
	{Key: "WARDROBE.ITEM.6", Label: "Wardrobe Item 6", Category: "WARDROBE"},
	{Key: "WARDROBE.ITEM.7", Label: "Wardrobe Item 7", Category: "WARDROBE"},
	{Key: "WARDROBE.ITEM.8", Label: "Wardrobe Item 8", Category: "WARDROBE"},
}

// Catalog returns a copy of the canonical role definitions.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the canonical definition for key.
func Lookup(key string) (Definition, bool) {
	normalized := Normalize(key)
	for _, def := range catalog {
		if def.Key == normalized {
			return def, true
		}
	}
	return Definition{}, false
}

// ByCategory returns the canonical roles within category.
func ByCategory(category string) []Definition {
	normalized := Normalize(category)
	var out []Definition
	for _, def := range catalog {
		if def.Category == normalized {
			out = append(out, def)
		}
	}
	return out
}
