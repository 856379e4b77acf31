package reference

// Catalog описывает один справочник значений (валюты, страны и т.п.)
type Catalog struct {
	Name  string        `yaml:"name"`
	Items []CatalogItem `yaml:"items"`
}

type CatalogItem struct {
	Code  string `yaml:"code"`
	Name  string `yaml:"name"`
	Order int    `yaml:"order,omitempty"`
}

// HasCode — есть ли в справочнике значение с таким кодом.
func (c Catalog) HasCode(code string) bool {
	for _, it := range c.Items {
		if it.Code == code {
			return true
		}
	}
	return false
}
