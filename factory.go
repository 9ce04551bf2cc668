package odata

// Get starts a GET request for the entity set.
func Get[T any](c *Client, entity string) *Request[T] {
	return NewRequest[T](c, c.Config(), MethodGet, entity, nil)
}

// GetByID starts a GET request for the single entity entity(id).
func GetByID[T any](c *Client, entity string, id any) *Request[T] {
	return NewRequest[T](c, c.Config(), MethodGet, entity, id)
}

// Post starts a POST request that creates an entity in the set.
func Post[T any](c *Client, entity string) *Request[T] {
	return NewRequest[T](c, c.Config(), MethodPost, entity, nil)
}

// PostRef starts a POST request on entity(id), typically followed by Ref to
// add a link to a collection-valued navigation property.
func PostRef[T any](c *Client, entity string, id any) *Request[T] {
	return NewRequest[T](c, c.Config(), MethodPost, entity, id)
}

// Put starts a PUT request replacing entity(id).
func Put[T any](c *Client, entity string, id any) *Request[T] {
	return NewRequest[T](c, c.Config(), MethodPut, entity, id)
}

// Patch starts a PATCH request updating entity(id).
func Patch[T any](c *Client, entity string, id any) *Request[T] {
	return NewRequest[T](c, c.Config(), MethodPatch, entity, id)
}

// Delete starts a DELETE request for entity(id).
func Delete[T any](c *Client, entity string, id any) *Request[T] {
	return NewRequest[T](c, c.Config(), MethodDelete, entity, id)
}
