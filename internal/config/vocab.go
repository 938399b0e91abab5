package config

// DefaultGazetteer is the built-in list of location names matched by the
// classifier. Matching is case-insensitive on the whole trimmed value.
func DefaultGazetteer() []string {
	return []string{
		"Afghanistan", "Albania", "Algeria", "Argentina", "Australia", "Austria",
		"Belgium", "Brazil", "Bulgaria", "Canada", "Chile", "China", "Colombia",
		"Croatia", "Cyprus", "Czechia", "Czech Republic", "Denmark", "Egypt",
		"Estonia", "Finland", "France", "Germany", "Greece", "Hungary", "Iceland",
		"India", "Indonesia", "Ireland", "Israel", "Italy", "Japan", "Kenya",
		"Latvia", "Lithuania", "Luxembourg", "Malta", "Mexico", "Netherlands",
		"New Zealand", "Nigeria", "Norway", "Pakistan", "Peru", "Poland",
		"Portugal", "Romania", "Russia", "Saudi Arabia", "Serbia", "Singapore",
		"Slovakia", "Slovenia", "South Africa", "South Korea", "Spain", "Sweden",
		"Switzerland", "Turkey", "Ukraine", "United Kingdom", "UK",
		"United States", "USA", "US", "Vietnam",
		"Europe", "Asia", "Africa", "Oceania", "North America", "South America",
		"EU", "EU27", "European Union", "World",
		"Vienna", "Wien", "Berlin", "London", "Paris", "Rome", "Madrid",
		"Lower Austria", "Upper Austria", "Styria", "Tyrol", "Carinthia",
		"Salzburg", "Vorarlberg", "Burgenland",
	}
}

// DefaultUnits is the built-in unit vocabulary for header and value matching.
func DefaultUnits() []string {
	return []string{
		"unit", "units", "einheit", "uom", "measure", "currency",
		"%", "percent", "percentage", "eur", "usd", "chf", "gbp",
		"kg", "t", "tons", "tonnes", "km", "m", "kwh", "mwh", "gwh",
		"persons", "people", "count", "number", "index", "rate",
		"mio", "million", "billion", "thousand",
	}
}
