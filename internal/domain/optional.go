package domain

// Optional distinguishes "leave untouched" from an explicit value. With a pointer type,
// Present(nil) means "set to null".
type Optional[T any] struct {
	value   T
	present bool
}

func Present[T any](value T) Optional[T] {
	return Optional[T]{value: value, present: true}
}

func Absent[T any]() Optional[T] {
	return Optional[T]{}
}

func (o Optional[T]) IsPresent() bool {
	return o.present
}

func (o Optional[T]) Get() (T, bool) {
	return o.value, o.present
}

// OrElse returns the wrapped value when present, otherwise current.
func (o Optional[T]) OrElse(current T) T {
	if o.present {
		return o.value
	}
	return current
}
