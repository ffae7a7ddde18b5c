package od

// DataLength returns the number of bytes currently backing the variable's
// value, which the variable holds in its own byte slice for every type.
func (variable *Variable) DataLength() uint32 {
	return uint32(len(variable.value))
}

// DefaultValue returns the variable's configured default value.
func (variable *Variable) DefaultValue() []byte {
	return variable.valueDefault
}

// NewVariable builds a free-standing Variable that owns its encoded value.
// Adding it to the dictionary (via ObjectDictionary.AddVariableType or
// VariableList.AddSubObject) stores the Variable as it is; its value slice
// is neither copied nor re-allocated.
func NewVariable(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	encoded, err := EncodeFromString(value, datatype, 0)
	if err != nil {
		return nil, err
	}
	encodedCopy := make([]byte, len(encoded))
	copy(encodedCopy, encoded)
	variable := &Variable{
		SubIndex:     subindex,
		Name:         name,
		value:        encoded,
		valueDefault: encodedCopy,
		Attribute:    attribute,
		DataType:     datatype,
	}
	return variable, nil
}
