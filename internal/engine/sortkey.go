package engine

// SortAttr is the name of the derived sort attribute for attr.
func SortAttr(attr string) string {
	return attr + "Sort"
}

// SortKey derives the composite sort value of a record: its primary sort
// value followed by its id, so records sharing a primary value are ordered
// by id. primary must be an order-preserving, fixed-width encoding.
func SortKey(primary, id string) string {
	return primary + id
}
